package logic

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	zbencode "github.com/zeebo/bencode"

	"github.com/jwodder/demagnetize/internal/bencode"
	"github.com/jwodder/demagnetize/internal/shared/models"
)

// torrentFile is the outer metainfo dictionary composed around the fetched
// info bytes. Info is raw so the bytes whose SHA-1 we validated are inlined
// untouched.
type torrentFile struct {
	Announce     string              `bencode:"announce,omitempty"`
	AnnounceList [][]string          `bencode:"announce-list,omitempty"`
	CreatedBy    string              `bencode:"created by"`
	CreationDate int64               `bencode:"creation date"`
	Info         zbencode.RawMessage `bencode:"info"`
}

// ComposeTorrent builds the .torrent file contents for a fetched info blob.
func ComposeTorrent(magnet models.Magnet, info []byte, now time.Time) ([]byte, error) {
	tf := torrentFile{
		CreatedBy:    models.ClientString,
		CreationDate: now.Unix(),
		Info:         zbencode.RawMessage(info),
	}
	if len(magnet.Trackers) > 0 {
		tf.Announce = magnet.Trackers[0]
		for _, tr := range magnet.Trackers {
			tf.AnnounceList = append(tf.AnnounceList, []string{tr})
		}
	}
	return zbencode.EncodeBytes(tf)
}

// InfoName extracts the name field from a raw info dictionary, falling back
// to the info hash when the dictionary has no usable name.
func InfoName(info []byte, infoHash models.InfoHash) string {
	decoded, err := bencode.Decode(info)
	if err != nil {
		return infoHash.String()
	}
	dict, ok := decoded.(map[string]any)
	if !ok {
		return infoHash.String()
	}
	name, err := bencode.GetString(dict, "name")
	if err != nil || name == "" {
		return infoHash.String()
	}
	return name
}

// TorrentFilename expands the {name} and {hash} placeholders in an output
// template.
func TorrentFilename(template string, info []byte, infoHash models.InfoHash) string {
	out := strings.ReplaceAll(template, "{name}", sanitizeName(InfoName(info, infoHash)))
	return strings.ReplaceAll(out, "{hash}", infoHash.String())
}

// sanitizeName replaces ASCII non-printables and path separators so a
// torrent name cannot escape the output directory.
func sanitizeName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f || r == '/' || r == '\\' {
			sb.WriteByte('_')
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// WriteTorrent writes composed torrent data to the templated path, creating
// parent directories as needed. A template of "-" writes to stdout.
func WriteTorrent(data []byte, template string, info []byte, infoHash models.InfoHash) (string, error) {
	if template == "-" {
		if _, err := os.Stdout.Write(data); err != nil {
			return "", err
		}
		return "-", nil
	}
	filename := TorrentFilename(template, info, infoHash)
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return "", err
	}
	return filename, nil
}
