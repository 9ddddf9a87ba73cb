package main

import (
	"github.com/o-hill/gossip-glomers/app"
	"github.com/o-hill/gossip-glomers/config"
	"github.com/o-hill/gossip-glomers/core/broadcast"
)

func main() {
	conf := config.Get()
	app.Run("broadcast", conf, broadcast.Factory(broadcast.Config{
		GossipInterval: conf.GossipInterval,
		GossipJitter:   conf.GossipJitter,
		GossipExtra:    conf.GossipExtra,
	}))
}
