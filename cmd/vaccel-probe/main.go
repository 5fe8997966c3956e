// vaccel-probe opens an in-kernel virtio accelerator device node, takes
// ownership, and prints its reported feature bitmask. It does not set up
// memory or virtqueues, and never touches virtqueue traffic.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/nvio/vaccel/ioctl"
)

func main() {
	path := flag.String("dev", "/dev/vhost-net", "accelerator device node")
	flag.Parse()

	f, err := os.OpenFile(*path, os.O_RDWR, 0)
	if err != nil {
		panic(err)
	}

	defer f.Close()

	fd := f.Fd()

	if err := ioctl.Call(fd, ioctl.SetOwner, nil); err != nil {
		panic(fmt.Errorf("SET_OWNER: %w", err))
	}

	features, err := ioctl.CallU64(fd, ioctl.GetFeatures, 0)
	if err != nil {
		panic(fmt.Errorf("GET_FEATURES: %w", err))
	}

	fmt.Printf("device: %s\n", *path)
	fmt.Printf("features: %#016x\n", features)

	if features&ioctl.FLogAll != 0 {
		fmt.Println("  F_LOG_ALL supported")
	}
}
