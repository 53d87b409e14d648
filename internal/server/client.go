package server

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/roach88/sqlfwd/internal/executor"
	"github.com/roach88/sqlfwd/internal/program"
	"github.com/roach88/sqlfwd/internal/proto"
)

// IDGenerator creates client ids.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 client ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Client is one client's view of a primary: every call it makes runs on the
// same server-side session.
type Client struct {
	conn     *grpc.ClientConn
	owned    bool
	clientID string
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	clientID string
	ids      IDGenerator
	dialOpts []grpc.DialOption
}

// WithClientID fixes the client id instead of generating one.
func WithClientID(id string) ClientOption {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

// WithIDGenerator sets how the client id is generated. Default:
// UUIDv7Generator.
func WithIDGenerator(g IDGenerator) ClientOption {
	return func(o *clientOptions) {
		o.ids = g
	}
}

// WithDialOptions adds options used by Dial.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(o *clientOptions) {
		o.dialOpts = append(o.dialOpts, opts...)
	}
}

func buildClientOptions(opts []ClientOption) clientOptions {
	o := clientOptions{ids: UUIDv7Generator{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clientID == "" {
		o.clientID = o.ids.Generate()
	}
	return o
}

// Dial connects to the primary at addr without transport security.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	o := buildClientOptions(opts)
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, o.dialOpts...)

	conn, err := grpc.DialContext(ctx, addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, owned: true, clientID: o.clientID}, nil
}

// NewClient uses an existing connection. Close leaves conn open.
func NewClient(conn *grpc.ClientConn, opts ...ClientOption) *Client {
	o := buildClientOptions(opts)
	return &Client{conn: conn, clientID: o.clientID}
}

// ClientID returns the id that identifies this client's session.
func (c *Client) ClientID() string {
	return c.clientID
}

// Execute runs p on the client's session.
func (c *Client) Execute(ctx context.Context, p program.Program) (*executor.Results, error) {
	pgm, err := proto.FromProgram(p)
	if err != nil {
		return nil, err
	}
	var out proto.ExecuteResults
	req := &proto.ProgramReq{ClientID: c.clientID, Pgm: pgm}
	if err := c.conn.Invoke(ctx, ExecuteMethod, req, &out, grpc.ForceCodec(proto.Codec{})); err != nil {
		return nil, err
	}
	return proto.ToResults(&out)
}

// Disconnect ends the client's session on the primary.
func (c *Client) Disconnect(ctx context.Context) error {
	req := &proto.DisconnectMessage{ClientID: c.clientID}
	return c.conn.Invoke(ctx, DisconnectMethod, req, &proto.Ack{}, grpc.ForceCodec(proto.Codec{}))
}

// Close closes the connection if Dial created it.
func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}
