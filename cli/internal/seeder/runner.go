package seeder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-audit/common/messaging"
)

// Result summarizes a seeding run.
type Result struct {
	Sent          int            `json:"sent" yaml:"sent"`
	Failed        int            `json:"failed" yaml:"failed"`
	Notifications int            `json:"notifications" yaml:"notifications"`
	ByType        map[string]int `json:"byType" yaml:"byType"`
	Duration      time.Duration  `json:"duration" yaml:"duration"`
}

// Publish sends every message through pub, pausing interval between
// messages. It stops at the first canceled context and reports the partial
// result with the error.
func Publish(ctx context.Context, pub messaging.Publisher, msgs []Message, interval time.Duration) (Result, error) {
	start := time.Now()
	res := Result{ByType: make(map[string]int)}

	for i, m := range msgs {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}

		data, err := json.Marshal(m.Event)
		if err != nil {
			res.Failed++
			continue
		}
		if err := pub.Publish(ctx, m.Subject, data); err != nil {
			res.Failed++
			continue
		}

		res.Sent++
		if m.Notify {
			res.Notifications++
		} else {
			res.ByType[m.Event.EventType]++
		}

		if interval > 0 && i < len(msgs)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
	}

	res.Duration = time.Since(start)
	if res.Sent == 0 && res.Failed > 0 {
		return res, fmt.Errorf("all %d messages failed to publish", res.Failed)
	}
	return res, nil
}
