package lsl

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
	"github.com/ljchang/hyperstudy-bridge-sub001/pkg/buffer"
)

// inletBufferCap bounds buffered chunks per inlet; oldest chunks are shed
// when a consumer stops pulling.
const inletBufferCap = 1024

type outlet struct {
	info     StreamInfo
	stopOnce chan struct{}
}

func (o *outlet) stop() {
	select {
	case <-o.stopOnce:
	default:
		close(o.stopOnce)
	}
}

type inlet struct {
	info StreamInfo
	sub  device.Subscription
	buf  *buffer.Ring[chunk]
}

func (in *inlet) stop() {
	if in.sub != nil {
		_ = in.sub.Unsubscribe()
	}
	_ = in.buf.Close()
}

type discovery struct {
	info     StreamInfo
	lastSeen time.Time
}

func (d *Device) onAnnounce(_ string, data []byte) {
	var info StreamInfo
	if err := json.Unmarshal(data, &info); err != nil || info.UID == "" {
		d.Log().Warn("undecodable stream announcement")
		return
	}

	d.mu.Lock()
	d.discovered[info.UID] = discovery{info: info, lastSeen: time.Now()}
	d.mu.Unlock()
}

func (d *Device) discover() (json.RawMessage, error) {
	now := time.Now()

	d.mu.Lock()
	streams := make([]StreamInfo, 0, len(d.discovered)+len(d.outlets))
	for uid, disc := range d.discovered {
		if now.Sub(disc.lastSeen) > staleAfter {
			delete(d.discovered, uid)
			continue
		}
		streams = append(streams, disc.info)
	}
	// Local outlets are always visible, announcement cycle or not
	for _, o := range d.outlets {
		if _, seen := d.discovered[o.info.UID]; !seen {
			streams = append(streams, o.info)
		}
	}
	d.mu.Unlock()

	sort.Slice(streams, func(i, j int) bool { return streams[i].UID < streams[j].UID })
	out, _ := json.Marshal(map[string]any{"streams": streams})
	return out, nil
}

func (d *Device) createOutlet(stream *StreamInfo) (json.RawMessage, error) {
	if stream == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: create_outlet without stream", errors.ErrInvalidData), "LSLDevice", "Send", "stream check")
	}
	if err := stream.validate(); err != nil {
		return nil, err
	}

	info := *stream
	info.UID = uuid.NewString()
	o := &outlet{info: info, stopOnce: make(chan struct{})}

	d.mu.Lock()
	d.outlets[info.UID] = o
	d.mu.Unlock()

	if err := d.announce(info); err != nil {
		d.mu.Lock()
		delete(d.outlets, info.UID)
		d.mu.Unlock()
		return nil, err
	}

	// Re-announce periodically so late-joining peers discover the stream
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(announcePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-o.stopOnce:
				return
			case <-ticker.C:
				if err := d.announce(info); err != nil {
					d.Log().Warn("stream announcement", "uid", info.UID, "error", err)
				}
			}
		}
	}()

	d.Log().Info("outlet created", "uid", info.UID, "name", info.Name)
	out, _ := json.Marshal(map[string]string{"uid": info.UID})
	return out, nil
}

func (d *Device) announce(info StreamInfo) error {
	data, _ := json.Marshal(info)
	return d.bus.Publish(announcePrefix+info.UID, data)
}

func (d *Device) destroyOutlet(uid string) (json.RawMessage, error) {
	d.mu.Lock()
	o, ok := d.outlets[uid]
	delete(d.outlets, uid)
	d.mu.Unlock()

	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown outlet %q: %w", uid, errors.ErrInvalidData), "LSLDevice", "Send", "outlet lookup")
	}
	o.stop()

	out, _ := json.Marshal(map[string]bool{"destroyed": true})
	return out, nil
}

func (d *Device) pushData(uid string, samples json.RawMessage, timestamp float64) (json.RawMessage, error) {
	if len(samples) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: push_data without samples", errors.ErrInvalidData), "LSLDevice", "Send", "samples check")
	}

	d.mu.Lock()
	_, ok := d.outlets[uid]
	d.mu.Unlock()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown outlet %q: %w", uid, errors.ErrInvalidData), "LSLDevice", "Send", "outlet lookup")
	}

	if timestamp == 0 {
		timestamp = float64(time.Now().UnixMicro()) / 1e6
	}
	data, _ := json.Marshal(chunk{Samples: samples, Timestamp: timestamp})

	if err := d.bus.Publish(dataPrefix+uid, data); err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrCommunication, err), "LSLDevice", "Send", "sample publish")
	}
	if d.mon != nil {
		d.mon.RecordSent(d.Info().ID, len(data))
	}

	out, _ := json.Marshal(map[string]bool{"pushed": true})
	return out, nil
}

func (d *Device) connectInlet(uid string) (json.RawMessage, error) {
	if uid == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: connect_inlet without uid", errors.ErrInvalidData), "LSLDevice", "Send", "uid check")
	}

	d.mu.Lock()
	if _, exists := d.inlets[uid]; exists {
		d.mu.Unlock()
		return nil, errors.WrapInvalid(
			fmt.Errorf("inlet %q already connected: %w", uid, errors.ErrInvalidData),
			"LSLDevice", "Send", "inlet check")
	}
	info := d.lookupStream(uid)
	d.mu.Unlock()

	in := &inlet{info: info, buf: buffer.New[chunk](inletBufferCap)}
	sub, err := d.bus.Subscribe(dataPrefix+uid, func(_ string, data []byte) {
		var c chunk
		if err := json.Unmarshal(data, &c); err != nil {
			d.Log().Warn("undecodable sample chunk", "uid", uid)
			return
		}
		_ = in.buf.Write(c)
		if d.mon != nil {
			d.mon.RecordReceived(d.Info().ID, len(data))
		}
	})
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrCommunication, err), "LSLDevice", "Send", "inlet subscribe")
	}
	in.sub = sub

	d.mu.Lock()
	d.inlets[uid] = in
	d.mu.Unlock()

	out, _ := json.Marshal(map[string]any{"connected": true, "uid": uid})
	return out, nil
}

// lookupStream returns descriptor knowledge for uid, which may be empty for
// streams connected before their first announcement. Caller holds d.mu.
func (d *Device) lookupStream(uid string) StreamInfo {
	if disc, ok := d.discovered[uid]; ok {
		return disc.info
	}
	if o, ok := d.outlets[uid]; ok {
		return o.info
	}
	return StreamInfo{UID: uid}
}

func (d *Device) disconnectInlet(uid string) (json.RawMessage, error) {
	d.mu.Lock()
	in, ok := d.inlets[uid]
	delete(d.inlets, uid)
	d.mu.Unlock()

	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown inlet %q: %w", uid, errors.ErrInvalidData), "LSLDevice", "Send", "inlet lookup")
	}
	in.stop()

	out, _ := json.Marshal(map[string]bool{"disconnected": true})
	return out, nil
}

func (d *Device) pullData(uid string, maxSamples int) (json.RawMessage, error) {
	d.mu.Lock()
	in, ok := d.inlets[uid]
	d.mu.Unlock()

	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown inlet %q: %w", uid, errors.ErrInvalidData), "LSLDevice", "Send", "inlet lookup")
	}

	if maxSamples <= 0 {
		maxSamples = defaultPullLimit
	}
	chunks := in.buf.ReadBatch(maxSamples)
	if chunks == nil {
		chunks = []chunk{}
	}

	out, _ := json.Marshal(map[string]any{"chunks": chunks, "dropped": in.buf.Stats().Overflows})
	return out, nil
}
