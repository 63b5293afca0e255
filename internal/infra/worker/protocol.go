package worker

import (
	"fmt"
	"math"
	"time"

	"github.com/devmesh/devmesh/internal/domain"
	"github.com/devmesh/devmesh/internal/infra/channel"
)

// ─── Controller-side Encoders ───────────────────────────────────────────────
// These are the controller's halves of the exchanges served above, kept next
// to them so both sides of the wire change together.

// SendBatch sends "update-data" with the batch's keys, tensors, masks and
// tags, in key order.
func SendBatch(ch *channel.Channel, b domain.Batch) error {
	if err := ch.SendString(CmdUpdateData); err != nil {
		return err
	}
	if err := ch.SendStrings(b.Keys); err != nil {
		return err
	}
	for _, k := range b.Keys {
		if err := ch.SendTensor(b.Data[k]); err != nil {
			return fmt.Errorf("data %q: %w", k, err)
		}
	}
	for _, k := range b.Keys {
		if err := ch.SendTensor(b.Index[k]); err != nil {
			return fmt.Errorf("index %q: %w", k, err)
		}
	}
	tags := b.Tags
	if tags == nil {
		tags = []string{}
	}
	return ch.SendStrings(tags)
}

// SendParams sends a full "set-net-params" exchange.
func SendParams(ch *channel.Channel, p domain.ParamSet) error {
	if err := ch.SendString(CmdSetNetParams); err != nil {
		return err
	}
	if err := ch.SendInt(int64(len(p))); err != nil {
		return err
	}
	for _, buf := range p {
		if err := ch.SendBytes(channel.Float32Bytes(buf)); err != nil {
			return err
		}
	}
	return ch.SendString(CmdEndSetNetParams)
}

// RecvParams reads the reply to "get-net-params".
func RecvParams(ch *channel.Channel, count int) (domain.ParamSet, error) {
	if err := ch.Expect(ReplyNetParams); err != nil {
		return nil, err
	}
	p := make(domain.ParamSet, count)
	for i := range p {
		raw, err := ch.RecvBytes()
		if err != nil {
			return nil, err
		}
		p[i] = channel.BytesFloat32(raw)
	}
	return p, nil
}

// RecvTrainParams reads the reply to "get-net-train-params". The whole
// reply is consumed before a count other than want is reported.
func RecvTrainParams(ch *channel.Channel, want int) (domain.ParamSet, error) {
	if err := ch.Expect(ReplyTrainParams); err != nil {
		return nil, err
	}
	n, err := ch.RecvInt()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: %d train params", domain.ErrProtocol, n)
	}
	p := make(domain.ParamSet, 0, min(n, 1024))
	for i := int64(0); i < n; i++ {
		raw, err := ch.RecvBytes()
		if err != nil {
			return nil, err
		}
		p = append(p, channel.BytesFloat32(raw))
	}
	if err := ch.Expect(ReplyEndTrainParams); err != nil {
		return nil, err
	}
	if len(p) != want {
		return nil, fmt.Errorf("%w: worker sent %d train params, want %d", domain.ErrParamMismatch, len(p), want)
	}
	return p, nil
}

// SendReinit asks the worker to rebuild from network and returns its new
// parameter count. A worker that could not build replies "error", which
// comes back as ErrWorkerError; it keeps its old model.
func SendReinit(ch *channel.Channel, network []byte) (int, error) {
	if err := ch.SendString(CmdReinit); err != nil {
		return 0, err
	}
	if network == nil {
		network = []byte{}
	}
	if err := ch.SendBytes(network); err != nil {
		return 0, err
	}
	tag, err := ch.RecvString()
	if err != nil {
		return 0, err
	}
	switch tag {
	case ReplyReinitReady:
	case ReplyError:
		return 0, fmt.Errorf("%w: reinit", domain.ErrWorkerError)
	default:
		return 0, fmt.Errorf("%w: unexpected reply %q", domain.ErrProtocol, tag)
	}
	n, err := ch.RecvInt()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: param count %d", domain.ErrProtocol, n)
	}
	return int(n), nil
}

// RequestEpochStats sends "get-epoch-stats" and reads the reply.
func RequestEpochStats(ch *channel.Channel) (domain.EpochStats, error) {
	if err := ch.SendString(CmdGetEpochStats); err != nil {
		return domain.EpochStats{}, err
	}
	var secs [3]float64
	for i := range secs {
		v, err := ch.RecvFloat()
		if err != nil {
			return domain.EpochStats{}, err
		}
		secs[i] = v
	}
	return domain.EpochStats{
		Elapsed: seconds(secs[0]),
		Compute: seconds(secs[1]),
		Update:  seconds(secs[2]),
	}, nil
}

func seconds(v float64) time.Duration { return time.Duration(math.Round(v * float64(time.Second))) }

// RecvTaskReply reads the reply to "task". A worker-reported failure
// returns ErrWorkerError.
func RecvTaskReply(ch *channel.Channel) (*domain.Result, error) {
	tag, err := ch.RecvString()
	if err != nil {
		return nil, err
	}
	switch tag {
	case ReplyError:
		return nil, domain.ErrWorkerError
	case ReplyTaskResult:
	default:
		return nil, fmt.Errorf("%w: unexpected reply %q", domain.ErrProtocol, tag)
	}

	n, err := ch.RecvInt()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: %d outputs", domain.ErrProtocol, n)
	}
	res := &domain.Result{Outputs: make([]domain.Tensor, 0, min(n, 1024))}
	for i := int64(0); i < n; i++ {
		t, err := ch.RecvTensor()
		if err != nil {
			return nil, err
		}
		res.Outputs = append(res.Outputs, t)
	}
	if res.Format, err = ch.RecvOptionalStrings(); err != nil {
		return nil, err
	}
	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrProtocol, err)
	}
	return res, nil
}
