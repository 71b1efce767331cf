package tracing

import (
	"net/http"
	"testing"

	"example.com/backstage/services/orders/config"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDisabledTracerIsNoop(t *testing.T) {
	tracer, err := NewTracer(config.TracingConfig{})
	require.NoError(t, err)

	txn := tracer.StartTransaction("checkout")
	require.Nil(t, txn)

	seg := tracer.StartSpan("persist", txn)
	seg.End()
	tracer.RecordError(txn, errors.New("boom"))
	tracer.AddAttribute(txn, "order_id", "TRK1")
	tracer.EndTransaction(txn)
	tracer.Close()

	require.Nil(t, tracer.Application())
	require.Equal(t, http.DefaultTransport, tracer.RoundTripper(nil))
}
