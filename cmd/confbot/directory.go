package main

import (
	"confbot/internal/discord"
	"confbot/internal/notifier"
)

// channelDirectory exposes *discord.Directory through notifier.ChannelDirectory.
type channelDirectory struct {
	dir *discord.Directory
}

func (d channelDirectory) Resolve(room string) (notifier.Channel, bool) {
	ch, ok := d.dir.Resolve(room)
	if !ok {
		return nil, false
	}
	return ch, true
}

func (d channelDirectory) Channels() map[string]notifier.Channel {
	chans := d.dir.Channels()
	out := make(map[string]notifier.Channel, len(chans))
	for k, ch := range chans {
		out[k] = ch
	}
	return out
}
