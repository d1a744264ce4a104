package main

import (
	"github.com/harrison/testfleet/internal/demo"
	"github.com/harrison/testfleet/pkg/fleet"
)

func main() {
	fleet.Main(demo.Registry())
}
