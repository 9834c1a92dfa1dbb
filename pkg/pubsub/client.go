package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/luciaai/searchdeep-sub000/pkg/config"
	"github.com/luciaai/searchdeep-sub000/pkg/gcp"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
)

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNoTopic           = errors.New("pubsub credits topic is required")
	errNoSubscription    = errors.New("pubsub credits subscription is required")
	errNotInitialized    = errors.New("pubsub client not initialized")
)

const (
	kindTopic        = "topics"
	kindSubscription = "subscriptions"
)

// Client wraps the v2 client for the credit event stream. The topic must
// already exist; this service never creates Pub/Sub resources.
type Client struct {
	ps        *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
}

func NewClient(ctx context.Context, gcpCfg config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	projectID := gcp.ProjectID(gcpCfg)
	if projectID == "" {
		return nil, errProjectIDRequired
	}

	ps, err := pubsub.NewClient(ctx, projectID, gcp.ClientOptions(gcpCfg)...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	c := &Client{ps: ps, projectID: projectID, cfg: cfg}

	if err := c.Ping(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "topic", cfg.CreditsTopic), "pubsub client initialized")
	}
	return c, nil
}

// Ping confirms the credits topic is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.ps == nil {
		return errNotInitialized
	}
	if strings.TrimSpace(c.cfg.CreditsTopic) == "" {
		return errNoTopic
	}
	return c.lookup(ctx, kindTopic, c.cfg.CreditsTopic, func(ctx context.Context, full string) error {
		_, err := c.ps.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: full})
		return err
	})
}

// EnsureCreditsSubscription fails unless the export subscription exists.
func (c *Client) EnsureCreditsSubscription(ctx context.Context) error {
	if c == nil || c.ps == nil {
		return errNotInitialized
	}
	if strings.TrimSpace(c.cfg.CreditsSubscription) == "" {
		return errNoSubscription
	}
	return c.lookup(ctx, kindSubscription, c.cfg.CreditsSubscription, func(ctx context.Context, full string) error {
		_, err := c.ps.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: full})
		return err
	})
}

func (c *Client) lookup(ctx context.Context, kind, name string, get func(context.Context, string) error) error {
	full := resourceName(c.projectID, kind, name)
	if full == "" {
		return fmt.Errorf("%s %q not configured", strings.TrimSuffix(kind, "s"), name)
	}
	err := get(ctx, full)
	switch {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("%s does not exist", full)
	default:
		return fmt.Errorf("checking %s: %w", full, err)
	}
}

// CreditsSubscriber returns the subscriber feeding the ledger export.
func (c *Client) CreditsSubscriber() *pubsub.Subscriber {
	if c == nil || c.ps == nil {
		return nil
	}
	full := SubscriptionResourceName(c.projectID, c.cfg.CreditsSubscription)
	if full == "" {
		return nil
	}
	return c.ps.Subscriber(full)
}

func (c *Client) Close() error {
	if c == nil || c.ps == nil {
		return nil
	}
	return c.ps.Close()
}

// TopicResourceName expands a bare topic ID into projects/<p>/topics/<id>.
// Fully qualified names pass through.
func TopicResourceName(projectID, name string) string {
	return resourceName(projectID, kindTopic, name)
}

// SubscriptionResourceName is TopicResourceName for subscriptions.
func SubscriptionResourceName(projectID, name string) string {
	return resourceName(projectID, kindSubscription, name)
}

func resourceName(projectID, kind, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if strings.HasPrefix(name, "projects/") && strings.Contains(name, "/"+kind+"/") {
		return name
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return ""
	}
	return "projects/" + projectID + "/" + kind + "/" + name
}
