// Package firestore holds the shared Firestore client, transaction plumbing and a typed
// collection helper used by the firestore repositories.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/orders/internal/platform/config"
)

const dialTimeout = 10 * time.Second

// healthDoc is read by Ping. It never has to exist.
const healthDoc = "_health/ping"

var ErrProviderClosed = errors.New("firestore: provider is closed")

// Provider owns the single Firestore client the repositories share. The client is created on
// first use; a failed attempt is retried by the next caller.
type Provider struct {
	project    string
	database   string
	emulator   string
	clientOpts []option.ClientOption

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

// NewProvider resolves the project and emulator from cfg, falling back to GOOGLE_CLOUD_PROJECT
// and FIRESTORE_EMULATOR_HOST. An empty DatabaseID selects the default database.
func NewProvider(cfg config.FirestoreConfig, clientOpts ...option.ClientOption) *Provider {
	return &Provider{
		project:    firstNonEmpty(cfg.ProjectID, os.Getenv("GOOGLE_CLOUD_PROJECT")),
		database:   firstNonEmpty(cfg.DatabaseID, firestore.DefaultDatabaseID),
		emulator:   firstNonEmpty(cfg.EmulatorHost, os.Getenv("FIRESTORE_EMULATOR_HOST")),
		clientOpts: clientOpts,
	}
}

// Client returns the shared client.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	if ctx == nil {
		return nil, errors.New("firestore: context is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return nil, ErrProviderClosed
	case p.client != nil:
		return p.client, nil
	}
	if p.project == "" {
		return nil, errors.New("firestore: project id is required")
	}

	opts := append([]option.ClientOption(nil), p.clientOpts...)
	if p.emulator != "" {
		// The SDK only honours the emulator through the environment.
		if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
			_ = os.Setenv("FIRESTORE_EMULATOR_HOST", p.emulator)
		}
		opts = append(opts,
			option.WithoutAuthentication(),
			option.WithEndpoint(p.emulator),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := firestore.NewClientWithDatabase(dialCtx, p.project, p.database, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client for %s/%s: %w", p.project, p.database, err)
	}
	p.client = client
	return client, nil
}

// Ping reads a sentinel document; NotFound still proves the backend answers.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Doc(healthDoc).Get(ctx)
	if err == nil || status.Code(err) == codes.NotFound {
		return nil
	}
	return WrapError("firestore.ping", err)
}

// RunTransaction is RunTransaction on the shared client. A ctx already inside a transaction
// joins it without touching the client.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	if _, ok := TransactionFrom(ctx); ok {
		return RunTransaction(ctx, nil, fn, opts...)
	}
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	return RunTransaction(ctx, client, fn, opts...)
}

// Close releases the client, giving up when ctx ends first. The Provider cannot be reused.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	client := p.client
	p.client, p.closed = nil, true
	p.mu.Unlock()

	if client == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- client.Close() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
