package shardfetcher

import (
	"bytes"
	"strconv"

	"k8s.io/klog/v2"

	"github.com/pwnguard/pwnguard/internal/hibp"
)

// ParseShardBody splits a range-API response body into reconstructed
// hashes for shard id. Each line has the shape "SUFFIX:COUNT"; lines
// that don't fit are skipped with a warning rather than failing the
// whole shard, since the remote source is trusted but not guaranteed
// byte-perfect across retries and mirrors.
func ParseShardBody(id hibp.ShardID, body []byte) []hibp.Hash {
	lines := bytes.Split(body, []byte("\n"))
	entries := make([]hibp.Hash, 0, len(lines))
	for _, line := range lines {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			klog.Warningf("shardfetcher: shard %s: line missing ':' separator, skipping", id.Prefix())
			continue
		}
		suffix := string(line[:idx])
		countStr := string(line[idx+1:])
		if _, err := strconv.ParseUint(countStr, 10, 64); err != nil {
			klog.Warningf("shardfetcher: shard %s: non-numeric count %q, skipping", id.Prefix(), countStr)
			continue
		}
		h, err := id.ReconstructHash(suffix)
		if err != nil {
			klog.Warningf("shardfetcher: shard %s: %v, skipping", id.Prefix(), err)
			continue
		}
		entries = append(entries, h)
	}
	return entries
}
