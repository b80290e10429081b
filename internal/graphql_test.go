package internal

import (
	"context"
	"testing"
	"time"

	"github.com/Khan/genqlient/graphql"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGQL is a canned graphql.Client. Each call unmarshals the configured
// payload into the response the caller supplied.
type fakeGQL struct {
	payload func(op string) ([]byte, error)
	calls   int
}

func (f *fakeGQL) MakeRequest(_ context.Context, req *graphql.Request, resp *graphql.Response) error {
	f.calls++
	raw, err := f.payload(req.OpName)
	if err != nil {
		return err
	}
	return sonic.ConfigStd.Unmarshal(raw, resp.Data)
}

func TestInstrumentedGQLValidQuery(t *testing.T) {
	t.Parallel()

	inner := &fakeGQL{payload: func(string) ([]byte, error) { return []byte(`{"editions":[]}`), nil }}
	gm := &recordingGQLMetrics{}
	client := &instrumentedGQL{inner: inner, metrics: gm}

	req := &graphql.Request{
		OpName: "GetEditionByISBN",
		Query:  `query GetEditionByISBN($isbn: String!) { editions(where: {isbn_13: {_eq: $isbn}}) { id } }`,
	}
	var data struct {
		Editions []struct{} `json:"editions"`
	}

	require.NoError(t, client.MakeRequest(t.Context(), req, &graphql.Response{Data: &data}))
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, []string{"GetEditionByISBN"}, gm.ops)
	assert.Equal(t, []bool{true}, gm.oks)
}

func TestInstrumentedGQLMalformedQuery(t *testing.T) {
	t.Parallel()

	inner := &fakeGQL{payload: func(string) ([]byte, error) { return nil, nil }}
	client := &instrumentedGQL{inner: inner, metrics: &noGQLMetrics{}}

	req := &graphql.Request{OpName: "Broken", Query: `query Broken { editions {`}
	err := client.MakeRequest(t.Context(), req, &graphql.Response{})

	// A query that doesn't parse never reaches the wire, on this call or any
	// repeat of the same operation.
	assert.ErrorIs(t, err, errBadRequest)
	assert.Zero(t, inner.calls)

	err = client.MakeRequest(t.Context(), req, &graphql.Response{})
	assert.ErrorIs(t, err, errBadRequest)
	assert.Zero(t, inner.calls)
}

func TestInstrumentedGQLValidatesOnce(t *testing.T) {
	t.Parallel()

	inner := &fakeGQL{payload: func(string) ([]byte, error) { return []byte(`{}`), nil }}
	client := &instrumentedGQL{inner: inner, metrics: &noGQLMetrics{}}

	req := &graphql.Request{OpName: "GetBookEditions", Query: `query GetBookEditions { editions { id } }`}
	var data struct{}

	for range 3 {
		require.NoError(t, client.MakeRequest(t.Context(), req, &graphql.Response{Data: &data}))
	}
	assert.Equal(t, 3, inner.calls)
	assert.Len(t, client.validated, 1)
}

// recordingGQLMetrics captures observations for assertions.
type recordingGQLMetrics struct {
	ops []string
	oks []bool
}

func (r *recordingGQLMetrics) GQLObserve(op string, _ time.Duration, ok bool) {
	r.ops = append(r.ops, op)
	r.oks = append(r.oks, ok)
}
