// Package uploadrpc serves packing and uploading over gRPC.
package uploadrpc

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/w3car/cidutil"
	"xdao.co/w3car/pack"
	"xdao.co/w3car/upload"
)

// Uploader is the subset of *upload.Uploader the server needs.
type Uploader interface {
	Upload(ctx context.Context, a *pack.Archive) (upload.Result, error)
}

// Server exposes an Uploader over the Uploader gRPC service.
type Server struct {
	UnimplementedUploaderServer
	// Uploader may be nil; Upload then answers FailedPrecondition.
	Uploader Uploader
	Packer   pack.Packer
	Logger   *slog.Logger
}

func (s *Server) Pack(_ context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	a, err := s.Packer.File(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return summarize(a, upload.Result{})
}

func (s *Server) Upload(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	if s == nil || s.Uploader == nil {
		return nil, status.Error(codes.FailedPrecondition, "uploads are not configured")
	}
	a, err := s.Packer.File(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	res, err := s.Uploader.Upload(ctx, a)
	if err != nil {
		s.logger().Warn("rpc upload failed", "root", cidutil.String(a.Root()), "err", err)
		return nil, mapErr(err)
	}
	return summarize(a, res)
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

func summarize(a *pack.Archive, res upload.Result) (*structpb.Struct, error) {
	fields := map[string]any{
		fieldRoot:   cidutil.String(a.Root()),
		fieldCAR:    cidutil.String(a.CID()),
		fieldSize:   a.Size(),
		fieldBlocks: a.Blocks(),
	}
	if res.SessionID != "" {
		fields[fieldSession] = res.SessionID
	}
	if res.GatewayURL != "" {
		fields[fieldGateway] = res.GatewayURL
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

var kindCodes = map[upload.Kind]codes.Code{
	upload.KindConfiguration:       codes.FailedPrecondition,
	upload.KindAuthorizationDenied: codes.PermissionDenied,
	upload.KindTransfer:            codes.Unavailable,
	upload.KindFinalization:        codes.Aborted,
	upload.KindEncoding:            codes.Internal,
	upload.KindCanceled:            codes.Canceled,
}

// mapErr converts an upload error to a status. The failure's kind and phase
// travel as a Struct detail, along with the destination's reply to a failed
// transfer as JSON text. The bridge diagnostic, when present, is a BytesValue
// detail holding its JSON untouched.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var ue *upload.Error
	if !errors.As(err, &ue) {
		return status.Error(codes.Internal, err.Error())
	}
	code, ok := kindCodes[ue.Kind]
	if !ok {
		code = codes.Internal
	}
	st := status.New(code, ue.Error())

	fields := map[string]any{
		detailKind:    string(ue.Kind),
		detailPhase:   string(ue.Phase),
		detailSession: ue.Session,
	}
	if ue.Destination != nil {
		fields[detailDestination] = string(ue.Destination.JSON())
	}
	info, infoErr := structpb.NewStruct(fields)
	if infoErr != nil {
		return st.Err()
	}
	withInfo, detErr := st.WithDetails(info)
	if detErr != nil {
		return st.Err()
	}
	if ue.Remote == nil {
		return withInfo.Err()
	}
	withRemote, detErr := withInfo.WithDetails(wrapperspb.Bytes(ue.Remote.JSON()))
	if detErr != nil {
		return withInfo.Err()
	}
	return withRemote.Err()
}
