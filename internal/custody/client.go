package custody

import (
	"context"

	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/CamberLoid/ChimataPHE/internal/payload"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Client talks to a custody server over one connection.
type Client struct {
	conn *payload.Conn
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := payload.Dial(ctx, addr)
	if err != nil {
		return nil, errors.Wrap(err, "custody")
	}
	return &Client{conn: conn}, nil
}

func NewClient(conn *payload.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) StoreKeys(ctx context.Context, username string, kc *key.KeyChain) error {
	resp, err := c.conn.RoundTrip(ctx, &payload.Request{
		Type:       payload.KindStoreKeys,
		Username:   username,
		PublicKey:  kc.PublicKey,
		PrivateKey: kc.PrivateKey,
	})
	if err != nil {
		return err
	}
	return errors.Wrap(resp.Err(), "store keys")
}

// AcquireKeys fetches the key pair stored for username. The identifier of
// the returned chain is derived from the modulus, so it is stable across
// calls.
func (c *Client) AcquireKeys(ctx context.Context, username string) (*key.KeyChain, error) {
	resp, err := c.conn.RoundTrip(ctx, &payload.Request{
		Type:     payload.KindAcquireKeys,
		Username: username,
	})
	if err != nil {
		return nil, err
	}
	if err = resp.Err(); err != nil {
		return nil, errors.Wrap(err, "acquire keys")
	}
	if resp.PublicKey == nil || resp.PrivateKey == nil {
		return nil, errors.New("acquire keys: response without keys")
	}

	kc := &key.KeyChain{
		Identifier: uuid.NewSHA1(uuid.NameSpaceOID, resp.PublicKey.N.Bytes()),
		PublicKey:  resp.PublicKey,
		PrivateKey: resp.PrivateKey,
	}
	if !kc.Matches() {
		return nil, ErrMismatchedKeys
	}
	return kc, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
