package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/pkg/errors"

	"nrgflow"
	"nrgflow/params"
)

var (
	configPath = flag.String("c", "", "YAML config file, built-in defaults when empty")
	runDir     = flag.String("d", "", "output directory, overrides the config")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds | log.Llongfile | log.LstdFlags)

	if err := mainWithErr(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func mainWithErr() error {
	p := params.Default()
	if *configPath != "" {
		var err error
		p, err = params.Load(*configPath)
		if err != nil {
			return errors.Wrap(err, "")
		}
	}
	if *runDir != "" {
		p.Dir = *runDir
	}
	if err := os.MkdirAll(p.Dir, os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}

	r, err := nrgflow.NewRunner(p, log.Default())
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer r.Close()
	return r.Run(context.Background())
}
