package signal

import (
	"time"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/config"
)

// NewsFilter gates trading around scheduled high-impact events. Events are
// annually recurring (month/day at an hour:minute, UTC) with a blackout
// window extending bufferBefore minutes before to bufferAfter minutes after.
type NewsFilter struct {
	enabled      bool
	bufferBefore int
	bufferAfter  int
	events       []config.NewsEventConfig
}

// NewNewsFilter keeps only the enabled events from the config.
func NewNewsFilter(cfg config.NewsConfig) *NewsFilter {
	f := &NewsFilter{
		enabled:      cfg.Enabled,
		bufferBefore: cfg.BufferBefore,
		bufferAfter:  cfg.BufferAfter,
	}
	for _, evt := range cfg.Events {
		if evt.Enabled {
			f.events = append(f.events, evt)
		}
	}
	return f
}

// IsBlackout reports whether t (converted to UTC) falls inside any event's
// blackout window. Windows are clamped to the event's calendar day; a buffer
// never extends into the previous or next day.
func (f *NewsFilter) IsBlackout(t time.Time) bool {
	if !f.enabled || len(f.events) == 0 {
		return false
	}
	utc := t.UTC()
	nowMinutes := utc.Hour()*60 + utc.Minute()
	for _, evt := range f.events {
		if int(utc.Month()) != evt.Month || utc.Day() != evt.Day {
			continue
		}
		eventMinutes := evt.Hour*60 + evt.Minute
		if nowMinutes >= eventMinutes-f.bufferBefore && nowMinutes <= eventMinutes+f.bufferAfter {
			return true
		}
	}
	return false
}
