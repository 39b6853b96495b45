package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDiscordSendBuildsSeverityEmbed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	if err := s.Send(context.Background(), SeverityAlert, "RiskHalted", "trading halted: DRAWDOWN_HALT"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(got.Embeds) != 1 {
		t.Fatalf("embeds = %+v, want 1", got.Embeds)
	}
	if got.Embeds[0].Title != "RiskHalted" || got.Embeds[0].Color != discordColors[SeverityAlert] {
		t.Fatalf("embed = %+v", got.Embeds[0])
	}
	if got.Content != "@here" {
		t.Fatalf("content = %q, want @here on alerts", got.Content)
	}

	got = discordPayload{}
	if err := s.Send(context.Background(), SeverityInfo, "TrancheOpened", "opened 5 @ 404.90"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Content != "" || got.Embeds[0].Color != discordColors[SeverityInfo] {
		t.Fatalf("info payload = %+v", got)
	}
}
