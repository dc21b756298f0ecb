package main

import (
	"flag"
	"fmt"
	"os"
)

var (
	hf         bool
	configPath string
	logLevel   string
)

func InitFlag() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&configPath, "c", "./conf/conf.toml", "set config `file`")
	flag.StringVar(&logLevel, "l", "info", "set log level (default: info)")
	flag.Usage = usage
	flag.Parse()

	if hf {
		flag.Usage()
		os.Exit(0)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `tilecache version: tilecache/v0.1.0
Usage: tilecache [-h] [-c filename] [-l logLevel] [command]

Commands:
  serve                      serve the store and archive over HTTP (default)
  ingest [layer ...]         download the configured layers into the store
  export <table> <out>       write a tile table into a tile archive

`)
	flag.PrintDefaults()
}
