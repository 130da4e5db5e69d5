package assert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type runFunc func(ctx context.Context) error

type fetcher interface {
	Get(url string) error
}

type session struct{}

func (*session) Get(url string) error { return nil }

func TestNotNil(t *testing.T) {
	var nilRun runFunc
	var nilSession *session
	var nilFetcher fetcher = nilSession

	for _, value := range []any{nil, nilRun, nilSession, nilFetcher, map[string]int(nil)} {
		require.Panics(t, func() { NotNil(value) }, "%T", value)
	}
	for _, value := range []any{&session{}, runFunc(func(context.Context) error { return nil }), 0, ""} {
		require.NotPanics(t, func() { NotNil(value) }, "%T", value)
	}
}

func TestNotEmptyStr(t *testing.T) {
	require.Panics(t, func() { NotEmptyStr("") })
	require.NotPanics(t, func() { NotEmptyStr("CS101") })
}
