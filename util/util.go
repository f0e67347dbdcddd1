package util

import (
	"fmt"
	"math/rand"
	"net/rpc"
	"strings"

	"github.com/Banyc/dfs"
)

// Call is RPC call helper
func Call(srv dfs.ServerAddress, rpcname string, args interface{}, reply interface{}) error {
	c, errx := rpc.Dial("tcp", string(srv))
	if errx != nil {
		return errx
	}
	defer c.Close()

	return c.Call(rpcname, args, reply)
}

// CallAll applies the rpc call to all destinations.
func CallAll(dst []dfs.ServerAddress, rpcname string, args interface{}) error {
	ch := make(chan error)
	for _, d := range dst {
		go func(addr dfs.ServerAddress) {
			ch <- Call(addr, rpcname, args, nil)
		}(d)
	}
	var errs []string
	for range dst {
		if err := <-ch; err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(errs, ";"))
}

// Sample randomly chooses k elements from {0, 1, ..., n-1}.
// n should not be less than k.
func Sample(n, k int) ([]int, error) {
	if n < k {
		return nil, fmt.Errorf("population is not enough for sampling (n = %d, k = %d)", n, k)
	}
	return rand.Perm(n)[:k], nil
}
