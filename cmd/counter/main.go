package main

import (
	"github.com/o-hill/gossip-glomers/app"
	"github.com/o-hill/gossip-glomers/config"
	"github.com/o-hill/gossip-glomers/core/counter"
)

func main() {
	conf := config.Get()
	app.Run("counter", conf, counter.Factory(conf.Backoff()))
}
