package main

import (
	"fmt"
	"os"

	"github.com/Banyc/dfs"
	"github.com/Banyc/dfs/control"
	"github.com/Banyc/dfs/store"
	log "github.com/sirupsen/logrus"
)

func runControl(cfg *dfs.Config) {
	if cfg.Control == nil {
		log.Fatal("config has no control section")
	}
	control.NewAndServe(*cfg.Control)

	ch := make(chan bool)
	<-ch
}

func runStore(cfg *dfs.Config) {
	if cfg.Store == nil {
		log.Fatal("config has no store section")
	}
	store.NewAndServe(*cfg.Store)

	ch := make(chan bool)
	<-ch
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  dfs control <config.yaml>")
	fmt.Println("  dfs store <config.yaml>")
	fmt.Println()
}

func main() {
	log.SetLevel(log.DebugLevel)
	if len(os.Args) < 3 {
		printUsage()
		return
	}
	cfg, err := dfs.LoadConfig(os.Args[2])
	if err != nil {
		log.Fatal("cannot load config: ", err)
	}
	switch os.Args[1] {
	case "control":
		runControl(cfg)
	case "store":
		runStore(cfg)
	default:
		printUsage()
	}
}
