//go:build !test

package main

import (
	"log"
	"os"

	"github.com/bobuhiro11/uvmm/config"
	"github.com/bobuhiro11/uvmm/vmm"
)

func main() {
	cfg, err := config.Load(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	guestArgv := append([]string{cfg.ImagePath}, os.Args[2:]...)

	v, err := vmm.New(cfg, guestArgv)
	if err != nil {
		log.Fatal(err)
	}
	defer v.Close()

	if err := v.Run(); err != nil {
		log.Fatal(err)
	}
}
