package pubsub

import (
	"context"
	"testing"

	"github.com/angelmondragon/marketplace-settlement/pkg/config"
)

func TestTopicName(t *testing.T) {
	cases := []struct {
		project string
		name    string
		want    string
	}{
		{"proj", "settlement-domain-events", "projects/proj/topics/settlement-domain-events"},
		{"proj", " settlement-domain-events ", "projects/proj/topics/settlement-domain-events"},
		{"proj", "projects/other/topics/t", "projects/other/topics/t"},
		{"proj", "  ", ""},
		{"", "topic", ""},
	}
	for _, tc := range cases {
		if got := TopicName(tc.project, tc.name); got != tc.want {
			t.Fatalf("TopicName(%q, %q) = %q, want %q", tc.project, tc.name, got, tc.want)
		}
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := NewClient(ctx, config.GCPConfig{}, config.PubSubConfig{DomainTopic: "events"}, nil); err != errProjectIDRequired {
		t.Fatalf("expected missing project error, got %v", err)
	}
	if _, err := NewClient(ctx, config.GCPConfig{ProjectID: "proj"}, config.PubSubConfig{DomainTopic: " "}, nil); err != errNoDomainTopic {
		t.Fatalf("expected missing topic error, got %v", err)
	}
}

func TestNilClientIsInert(t *testing.T) {
	var c *Client
	if c.Publisher("topic") != nil || c.DomainPublisher() != nil {
		t.Fatal("expected nil publishers for nil client")
	}
	if err := c.Ping(context.Background()); err != errNotInitialized {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}
