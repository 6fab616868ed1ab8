package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand(t *testing.T) {
	msg := Inbound{Type: TypeCommand, Device: "ttl", Action: ActionConnect}
	assert.NoError(t, msg.Validate())

	msg.Action = "reboot"
	assert.Error(t, msg.Validate())

	msg = Inbound{Type: TypeCommand, Action: ActionConnect}
	assert.Error(t, msg.Validate(), "command without device")
}

func TestValidateQuery(t *testing.T) {
	msg := Inbound{Type: TypeQuery, Target: json.RawMessage(`"devices"`)}
	assert.NoError(t, msg.Validate())

	msg.Target = nil
	assert.Error(t, msg.Validate())
}

func TestValidateUnknownType(t *testing.T) {
	msg := Inbound{Type: "telepathy"}
	assert.Error(t, msg.Validate())
}

func TestQueryTargetString(t *testing.T) {
	var q QueryTarget
	require.NoError(t, json.Unmarshal([]byte(`"metrics"`), &q))
	assert.Equal(t, QueryMetrics, q.Name)
	assert.Empty(t, q.Device)
}

func TestQueryTargetObject(t *testing.T) {
	var q QueryTarget
	require.NoError(t, json.Unmarshal([]byte(`{"device":"kernel"}`), &q))
	assert.Equal(t, QueryDevice, q.Name)
	assert.Equal(t, "kernel", q.Device)

	assert.Error(t, json.Unmarshal([]byte(`{}`), &q))
}

func TestErrorPayloadCarriesCode(t *testing.T) {
	out := NewErrorMessage("ttl", "42", "nope", "PROTOCOL_ERROR")
	data, err := json.Marshal(out)
	require.NoError(t, err)

	var decoded struct {
		Type    string `json:"type"`
		ID      string `json:"id"`
		Payload struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"payload"`
		Timestamp int64 `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeError, decoded.Type)
	assert.Equal(t, "42", decoded.ID)
	assert.Equal(t, "PROTOCOL_ERROR", decoded.Payload.Code)
	assert.NotZero(t, decoded.Timestamp)
}
