package factory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljchang/hyperstudy-bridge-sub001/config"
	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/testutil"
)

func TestNewBuildsEveryType(t *testing.T) {
	deps := Deps{Bus: testutil.NewMockBus()}

	for _, typ := range []string{"ttl", "kernel", "pupil", "biopac", "lsl", "mock"} {
		dev, err := New("dev-"+typ, config.DeviceConfig{Type: typ}, deps)
		require.NoError(t, err, typ)
		assert.Equal(t, "dev-"+typ, dev.Info().ID)
		assert.Equal(t, device.Kind(typ), dev.Info().Kind)
		if c, ok := dev.(device.Closer); ok {
			_ = c.Close()
		}
	}
}

func TestNewUnknownType(t *testing.T) {
	_, err := New("x", config.DeviceConfig{Type: "telegraph"}, Deps{})
	assert.Error(t, err)
}

func TestNewLSLNeedsBus(t *testing.T) {
	_, err := New("lsl", config.DeviceConfig{Type: "lsl"}, Deps{})
	assert.Error(t, err)
}

func TestNewAppliesSettings(t *testing.T) {
	dev, err := New("ttl", config.DeviceConfig{
		Type:     "ttl",
		Settings: json.RawMessage(`{"port":"/dev/ttyUSB0","baud_rate":9600}`),
	}, Deps{})
	require.NoError(t, err)
	if c, ok := dev.(device.Closer); ok {
		defer c.Close()
	}
	assert.Equal(t, device.KindTTL, dev.Info().Kind)
}

func TestNewRejectsBadSettings(t *testing.T) {
	_, err := New("ttl", config.DeviceConfig{
		Type:     "ttl",
		Settings: json.RawMessage(`{"baud_rate":-1}`),
	}, Deps{})
	assert.Error(t, err)
}

func TestPopulateSkipsDisabled(t *testing.T) {
	reg := device.NewRegistry(nil)
	t.Cleanup(reg.Close)

	err := Populate(reg, map[string]config.DeviceConfig{
		"sim":     {Type: "mock", Enabled: true},
		"dormant": {Type: "mock", Enabled: false},
	}, Deps{})
	require.NoError(t, err)

	infos := reg.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "sim", infos[0].ID)
}

func TestPopulateAbortsOnBadDevice(t *testing.T) {
	reg := device.NewRegistry(nil)
	t.Cleanup(reg.Close)

	err := Populate(reg, map[string]config.DeviceConfig{
		"bad": {Type: "mock", Enabled: true, Settings: json.RawMessage(`{"interval_ms":-5}`)},
	}, Deps{})
	assert.Error(t, err)
}
