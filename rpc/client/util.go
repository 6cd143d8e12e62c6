package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// ErrLockTimeout is returned by Exchange.Lock when the lock could not be
// acquired within the requested timeout
var ErrLockTimeout = errors.New("lock timeout")

// ResponseError is an error reported by the broker
type ResponseError struct {
	Type common.MessageType
	Code string
	Msg  string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("exchange %s failed (%s): %s", e.Type, e.Code, e.Msg)
}

// Is maps the lock-timeout code to ErrLockTimeout
func (e *ResponseError) Is(target error) bool {
	return target == ErrLockTimeout && e.Code == common.ErrCodeLockTimeout
}

// invokeRPCRequest serializes req, waits for the response and checks it for
// broker errors and the expected message type
func invokeRPCRequest(ctx context.Context, req *common.Message, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (*common.Message, error) {
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, fmt.Errorf("serialize %s request: %w", req.MsgType, err)
	}

	respBytes, err := transport.Send(ctx, reqBytes)
	if err != nil {
		return nil, fmt.Errorf("exchange %s %q: %w", req.MsgType, req.Arg, err)
	}

	resp := &common.Message{}
	if err := serializer.Deserialize(respBytes, resp); err != nil {
		return nil, fmt.Errorf("deserialize %s response: %w", req.MsgType, err)
	}

	if resp.MsgType == common.MsgTError || resp.Err != "" {
		return nil, &ResponseError{Type: req.MsgType, Code: resp.Code, Msg: resp.Err}
	}

	if resp.MsgType != req.MsgType {
		return nil, fmt.Errorf("unexpected message type: %s, expected %s", resp.MsgType, req.MsgType)
	}

	return resp, nil
}
