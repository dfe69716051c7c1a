package connection

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/feed"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/transport"
)

// PushFactory builds WebSocket channels. Reporter connections refuse to open
// without a token.
func PushFactory(role Role, url, token string, log logrus.FieldLogger) transport.Factory {
	return func() (transport.Channel, error) {
		opts := []transport.PushOption{transport.WithPushLogger(log)}
		if token != "" {
			opts = append(opts, transport.WithToken(token))
		}
		if role == RoleReporter {
			opts = append(opts, transport.RequireAuth())
		}
		return transport.NewPushChannel(url, opts...), nil
	}
}

// PollFactory builds HTTP polling channels decoding format.
func PollFactory(url, format, token string, interval, timeout time.Duration) (transport.Factory, error) {
	decode, err := feed.DecoderFor(format)
	if err != nil {
		return nil, err
	}
	fetcher := feed.NewFetcher(timeout, token)
	return func() (transport.Channel, error) {
		return transport.NewPollChannel(url, fetcher, decode, interval), nil
	}, nil
}

// BrokerFactory builds NATS channels on subject.
func BrokerFactory(url, subject, token string, log logrus.FieldLogger) transport.Factory {
	return func() (transport.Channel, error) {
		return transport.NewBrokerChannel(url, subject,
			transport.WithBrokerToken(token),
			transport.WithBrokerLogger(log),
		), nil
	}
}
