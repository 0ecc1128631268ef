package browser

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/studyatlas/portal-crawler/internal/crawler"
)

// The response-meta listener must live only as long as the navigation it
// serves. Registering it on the session context would leak one listener per
// page on a reused session.
func TestNavigateScopesResponseListenerToFetch(t *testing.T) {
	b, err := NewChromedp(Config{
		Engines: map[crawler.Engine]EngineConfig{crawler.EngineChromium: {}},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewChromedp() error = %v", err)
	}

	var listenCtx context.Context
	b.listen = func(ctx context.Context, _ func(ev any)) { listenCtx = ctx }

	browserCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.session = &session{
		engine:        crawler.EngineChromium,
		visibility:    crawler.VisibilityHeadless,
		browserCtx:    browserCtx,
		browserCancel: func() {},
		allocCancel:   func() {},
	}

	_, err = b.Navigate(context.Background(), "https://portal.example/", crawler.NavigateOptions{
		Engine:     crawler.EngineChromium,
		Visibility: crawler.VisibilityHeadless,
	})
	if err == nil {
		t.Fatal("expected navigate to fail without a live browser")
	}

	if listenCtx == nil {
		t.Fatal("response listener was not registered")
	}
	select {
	case <-listenCtx.Done():
	default:
		t.Fatal("listener context should end with the fetch")
	}
	select {
	case <-browserCtx.Done():
		t.Fatal("session context should outlive the fetch")
	default:
	}
}
