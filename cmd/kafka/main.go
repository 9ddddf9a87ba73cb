package main

import (
	"github.com/o-hill/gossip-glomers/app"
	"github.com/o-hill/gossip-glomers/config"
	"github.com/o-hill/gossip-glomers/core/commitlog"
)

func main() {
	conf := config.Get()
	app.Run("kafka", conf, commitlog.Factory(commitlog.Config{
		PollLimit:      conf.PollLimit,
		ForwardTimeout: conf.ForwardTimeout,
		AppendTimeout:  conf.AppendTimeout,
		Backoff:        conf.Backoff(),
		MaxTopicLen:    conf.MaxTopicLen,
		CacheDir:       conf.CacheDir,
	}))
}
