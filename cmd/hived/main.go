package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("hived", "a consensus and shared state server for agent hives",
		NewService())
}
