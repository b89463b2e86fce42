package publish

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	files "github.com/ipfs/boxo/files"
	"github.com/ipfs/go-cid"
	shell "github.com/ipfs/go-ipfs-api"
	"github.com/multiformats/go-multihash"
)

// Network is a content-addressed storage network.
type Network interface {
	// Add stores data and returns its content identifier.
	Add(ctx context.Context, data []byte) (string, error)
	// Publish points the mutable name record key at cid.
	Publish(ctx context.Context, key string, cid string) error
}

// ContentKey returns the CIDv1 (raw codec, sha2-256) of data. For payloads
// that fit in one block it equals the CID the network assigns with raw
// leaves enabled; for larger ones it is only used as a local cache key.
func ContentKey(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh).String(), nil
}

// Kubo talks to an IPFS node over its RPC API.
type Kubo struct {
	sh *shell.Shell
}

// NewKuboParams configures a Kubo client. Timeout bounds each RPC call.
type NewKuboParams struct {
	URL     string
	Timeout time.Duration
}

// NewKubo creates a Kubo client.
func NewKubo(params NewKuboParams) *Kubo {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	url := strings.TrimSuffix(params.URL, "/")
	return &Kubo{sh: shell.NewShellWithClient(url, &http.Client{Timeout: timeout})}
}

// Add uploads data as a single pinned CIDv1 object with raw leaves. The
// request is bound to ctx.
func (k *Kubo) Add(ctx context.Context, data []byte) (string, error) {
	body := files.NewMultiFileReader(
		files.NewSliceDirectory([]files.DirEntry{files.FileEntry("", files.NewBytesFile(data))}),
		true, false,
	)
	var out struct {
		Hash string
	}
	err := k.sh.Request("add").
		Option("cid-version", 1).
		Option("raw-leaves", true).
		Option("pin", true).
		Body(body).
		Exec(ctx, &out)
	if err != nil {
		return "", fmt.Errorf("ipfs add failed: %w", err)
	}
	return out.Hash, nil
}

// Publish updates the IPNS record for key.
func (k *Kubo) Publish(ctx context.Context, key string, c string) error {
	var out struct {
		Name  string
		Value string
	}
	err := k.sh.Request("name/publish", "/ipfs/"+c).
		Option("key", key).
		Option("allow-offline", true).
		Exec(ctx, &out)
	if err != nil {
		return fmt.Errorf("ipfs name publish failed: %w", err)
	}
	return nil
}

// Ping checks that the node answers.
func (k *Kubo) Ping(ctx context.Context) error {
	var out struct {
		ID string
	}
	if err := k.sh.Request("id").Exec(ctx, &out); err != nil {
		return fmt.Errorf("ipfs node unreachable: %w", err)
	}
	return nil
}
