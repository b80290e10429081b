package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Khan/genqlient/graphql"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"golang.org/x/time/rate"
)

// newGQLClient builds an authorized genqlient client for a GraphQL upstream,
// sharing the same transport middleware chain HTTP providers use.
func newGQLClient(host, path, token string, ledger *quotaLedger, provider string, metrics GQLMetrics) graphql.Client {
	client := NewUpstreamClient(upstreamOpts{
		host:      host,
		rps:       rate.Limit(1),
		headerKey: "Authorization",
		headerVal: "Bearer " + token,
		ledger:    ledger,
		provider:  provider,
		timeout:   15 * time.Second,
	})
	inner := graphql.NewClient("https://"+host+path, client)
	if metrics == nil {
		metrics = &noGQLMetrics{}
	}
	return &instrumentedGQL{inner: inner, metrics: metrics}
}

// instrumentedGQL validates each operation's document once and records
// per-operation timings. A query that doesn't parse never reaches the wire.
type instrumentedGQL struct {
	inner   graphql.Client
	metrics GQLMetrics

	mu        sync.Mutex
	validated map[string]error
}

var _ graphql.Client = (*instrumentedGQL)(nil)

func (c *instrumentedGQL) MakeRequest(ctx context.Context, req *graphql.Request, resp *graphql.Response) error {
	if err := c.validate(req); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}

	start := time.Now()
	err := c.inner.MakeRequest(ctx, req, resp)
	c.metrics.GQLObserve(req.OpName, time.Since(start), err == nil)
	return err
}

func (c *instrumentedGQL) validate(req *graphql.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.validated == nil {
		c.validated = map[string]error{}
	}
	if err, ok := c.validated[req.OpName]; ok {
		return err
	}

	_, err := parser.ParseQuery(&ast.Source{Name: req.OpName, Input: req.Query})
	if err != nil {
		err = fmt.Errorf("malformed query %s: %w", req.OpName, err)
	}
	c.validated[req.OpName] = err
	return err
}
