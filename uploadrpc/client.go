package uploadrpc

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Reply and detail field names.
const (
	fieldRoot    = "rootCid"
	fieldCAR     = "carCid"
	fieldSize    = "size"
	fieldBlocks  = "blocks"
	fieldSession = "sessionId"
	fieldGateway = "gatewayUrl"

	detailKind        = "kind"
	detailPhase       = "phase"
	detailSession     = "session"
	detailDestination = "destination"
)

// Summary is a decoded Pack or Upload reply.
type Summary struct {
	RootCID    string
	CARCID     string
	Size       uint64
	Blocks     int
	SessionID  string
	GatewayURL string
}

// Failure is a decoded error status.
type Failure struct {
	Code    codes.Code
	Message string
	Kind    string
	Phase   string
	Session string
	// Bridge is the bridge's reply, untouched.
	Bridge json.RawMessage
	// Destination is the signed-URL destination's reply to a failed transfer.
	Destination json.RawMessage
}

func (f *Failure) Error() string { return f.Code.String() + ": " + f.Message }

// FailureOf decodes err if it is a gRPC status.
func FailureOf(err error) (*Failure, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return nil, false
	}
	f := &Failure{Code: st.Code(), Message: st.Message()}
	for _, d := range st.Details() {
		switch v := d.(type) {
		case *structpb.Struct:
			m := v.GetFields()
			f.Kind = m[detailKind].GetStringValue()
			f.Phase = m[detailPhase].GetStringValue()
			f.Session = m[detailSession].GetStringValue()
			if d := m[detailDestination].GetStringValue(); d != "" {
				f.Destination = json.RawMessage(d)
			}
		case *wrapperspb.BytesValue:
			f.Bridge = json.RawMessage(v.GetValue())
		}
	}
	return f, true
}

// Client talks to an Uploader gRPC service.
type Client struct {
	cc     *grpc.ClientConn
	client UploaderClient

	// Timeout applies per RPC when non-zero.
	Timeout time.Duration
}

type DialOptions struct {
	// Timeout applies to the initial dial when non-zero.
	Timeout time.Duration

	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int
}

func Dial(target string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(opts.MaxMsgBytes),
				grpc.MaxCallSendMsgSize(opts.MaxMsgBytes),
			),
		)
	}

	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cc, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return NewClient(cc), nil
}

// NewClient wraps an existing connection. Close closes cc.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc, client: NewUploaderClient(cc)}
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

// Pack computes identifiers for data on the server.
func (c *Client) Pack(ctx context.Context, data []byte) (Summary, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	reply, err := c.client.Pack(ctx, wrapperspb.Bytes(data))
	if err != nil {
		return Summary{}, mapRPC(err)
	}
	return decodeSummary(reply), nil
}

// Upload packs and uploads data on the server.
func (c *Client) Upload(ctx context.Context, data []byte) (Summary, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	reply, err := c.client.Upload(ctx, wrapperspb.Bytes(data))
	if err != nil {
		return Summary{}, mapRPC(err)
	}
	return decodeSummary(reply), nil
}

func decodeSummary(st *structpb.Struct) Summary {
	m := st.GetFields()
	return Summary{
		RootCID:    m[fieldRoot].GetStringValue(),
		CARCID:     m[fieldCAR].GetStringValue(),
		Size:       uint64(m[fieldSize].GetNumberValue()),
		Blocks:     int(m[fieldBlocks].GetNumberValue()),
		SessionID:  m[fieldSession].GetStringValue(),
		GatewayURL: m[fieldGateway].GetStringValue(),
	}
}

func mapRPC(err error) error {
	if f, ok := FailureOf(err); ok {
		return f
	}
	return err
}

func (c *Client) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.Timeout)
}
