package envelope

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	user := uuid.New()
	e := New("AddOrder", []byte(`{"sku":"abc"}`), "order-service")
	e = e.WithHop("shipping-service")
	e = e.WithHeader("x-request-id", "req-1")
	e.ReplyTopic = "fooReply"
	e.User = &user
	e.Strategy = Multicast
	e.Status = StatusError

	data, err := Encode(e)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("not msgpack at all, just garbage"))
	require.Error(t, err)

	var malformed *MalformedEnvelopeError
	assert.ErrorAs(t, err, &malformed)
}

func TestDecodeMissingTopic(t *testing.T) {
	w := wireEnvelope{Version: wireVersion, Trace: []wireTraceStep{{Identifier: uuid.NewString(), ServiceName: "svc"}}}
	data, err := msgpack.Marshal(&w)
	require.NoError(t, err)

	_, err = Decode(data)
	assert.Error(t, err, "decoding an envelope without a topic should fail")
}

func TestValidateRejectsEmptyTrace(t *testing.T) {
	e := Envelope{Topic: "t"}
	assert.Error(t, e.Validate())
}

func TestEnvelopeOrdering(t *testing.T) {
	a := New("a-topic", nil, "svc")
	b := New("b-topic", nil, "svc")
	assert.True(t, a.Less(b), "a-topic should order before b-topic")
}
