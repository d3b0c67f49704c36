package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/zoundctl/zoundctl/internal/api"
	"github.com/zoundctl/zoundctl/internal/api/ws"
	"github.com/zoundctl/zoundctl/internal/app"
	"github.com/zoundctl/zoundctl/internal/speaker"
)

func main() {
	app.Init() // init config and logs

	api.Init() // init HTTP API server
	ws.Init()  // add UI event stream over WebSocket

	speaker.Init() // open the control socket, start discovery

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
