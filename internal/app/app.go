package app

import (
	"flag"
	"fmt"
	"os"
	"runtime"
)

var Version = "0.4.0"
var UserAgent = "zoundctl/" + Version

var Info = map[string]any{
	"version": Version,
}

func Init() {
	var confs flagConfig
	var version bool

	flag.Var(&confs, "config", "zoundctl config (path to file or raw text), support multiple")
	flag.BoolVar(&version, "version", false, "Print the version of the application and exit")
	flag.Parse()

	if version {
		fmt.Printf("zoundctl version %s %s/%s\n", Version, runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	initConfig(confs)
	initLogger()

	Logger.Info().Str("version", Version).Msg("zoundctl")
}
