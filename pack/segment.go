// Package pack builds and ingests change bundles. A bundle is one
// zstd-compressed segment holding the canonical encodings of a set of
// changes, so repositories can exchange changes without sharing a
// database.
package pack

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"loom/cas"
	"loom/change"
	"loom/proto"
	"loom/store"
)

// Pack format:
// [4 bytes: header length (big-endian)]
// [header JSON: PackHeader]
// [object data...]
//
// The header describes each object's digest, kind, offset (relative to data start), and length.
// Object data follows immediately after the header.

const (
	HeaderLengthSize = 4
	MaxHeaderSize    = 10 * 1024 * 1024 // 10MB max header
)

// ErrCorruptBundle is returned when a bundle fails to parse or verify.
var ErrCorruptBundle = errors.New("corrupt bundle")

func corrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorruptBundle, fmt.Sprintf(format, args...))
}

// PackObject represents an object to be packed.
type PackObject struct {
	Digest  []byte
	Kind    string
	Content []byte
}

// BuildPack creates a zstd-compressed pack from objects.
func BuildPack(objects []PackObject) ([]byte, error) {
	var header proto.PackHeader
	var data bytes.Buffer

	for _, obj := range objects {
		header.Objects = append(header.Objects, proto.PackObjectEntry{
			Digest: obj.Digest,
			Kind:   obj.Kind,
			Offset: int64(data.Len()),
			Length: int64(len(obj.Content)),
		})
		data.Write(obj.Content)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	var pack bytes.Buffer
	headerLen := make([]byte, HeaderLengthSize)
	binary.BigEndian.PutUint32(headerLen, uint32(len(headerJSON)))
	pack.Write(headerLen)
	pack.Write(headerJSON)
	pack.Write(data.Bytes())

	var compressed bytes.Buffer
	encoder, err := zstd.NewWriter(&compressed)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := encoder.Write(pack.Bytes()); err != nil {
		encoder.Close()
		return nil, fmt.Errorf("compressing: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}

	return compressed.Bytes(), nil
}

// parsePack decompresses a pack and splits it into header and data.
func parsePack(r io.Reader) (*proto.PackHeader, []byte, []byte, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	decompressed, err := io.ReadAll(decoder)
	if err != nil {
		return nil, nil, nil, corrupt("decompressing: %v", err)
	}

	if len(decompressed) < HeaderLengthSize {
		return nil, nil, nil, corrupt("pack too small: %d bytes", len(decompressed))
	}

	headerLen := binary.BigEndian.Uint32(decompressed[:HeaderLengthSize])
	if headerLen > MaxHeaderSize {
		return nil, nil, nil, corrupt("header too large: %d bytes", headerLen)
	}
	if int(HeaderLengthSize+headerLen) > len(decompressed) {
		return nil, nil, nil, corrupt("header length exceeds pack size")
	}

	var header proto.PackHeader
	if err := json.Unmarshal(decompressed[HeaderLengthSize:HeaderLengthSize+headerLen], &header); err != nil {
		return nil, nil, nil, corrupt("parsing header: %v", err)
	}

	for _, obj := range header.Objects {
		if obj.Offset < 0 || obj.Length < 0 || obj.Offset+obj.Length > int64(len(decompressed))-int64(HeaderLengthSize+headerLen) {
			return nil, nil, nil, corrupt("object at offset %d extends beyond data", obj.Offset)
		}
	}
	return &header, decompressed[HeaderLengthSize+headerLen:], decompressed, nil
}

// ExportBundle packs the given changes, in order, into a bundle.
func ExportBundle(db *store.DB, hashes []change.Hash) ([]byte, error) {
	objects := make([]PackObject, 0, len(hashes))
	for _, h := range hashes {
		data, err := db.GetChangeBytes(h)
		if err != nil {
			return nil, err
		}
		objects = append(objects, PackObject{Digest: h.Bytes(), Kind: change.Kind, Content: data})
	}
	return BuildPack(objects)
}

// IngestBundle verifies every change in a bundle and stores the ones the
// repository lacks in a single segment. Nothing is stored if any change
// fails to verify.
func IngestBundle(ctx context.Context, db *store.DB, r io.Reader) (*proto.BundleIngestResponse, error) {
	header, objectData, decompressed, err := parsePack(r)
	if err != nil {
		return nil, err
	}

	type decoded struct {
		c   *change.Change
		obj proto.PackObjectEntry
	}
	var changes []decoded
	for _, obj := range header.Objects {
		if obj.Kind != change.Kind {
			return nil, corrupt("unexpected object kind %q", obj.Kind)
		}
		c, err := change.Decode(objectData[obj.Offset : obj.Offset+obj.Length])
		if err != nil {
			return nil, corrupt("object at offset %d: %v", obj.Offset, err)
		}
		if !bytes.Equal(c.Hash.Bytes(), obj.Digest) {
			return nil, corrupt("digest mismatch for object at offset %d", obj.Offset)
		}
		changes = append(changes, decoded{c: c, obj: obj})
	}

	resp := &proto.BundleIngestResponse{}
	var fresh []decoded
	hashes := make([]change.Hash, len(changes))
	for i, d := range changes {
		hashes[i] = d.c.Hash
	}
	present, err := db.HasObjects(hashes)
	if err != nil {
		return nil, err
	}
	for _, d := range changes {
		if present[d.c.Hash] {
			resp.Skipped++
			continue
		}
		fresh = append(fresh, d)
	}
	if len(fresh) == 0 {
		return resp, nil
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The segment holds only the object data, not the header.
	resp.SegmentID, err = db.InsertSegment(tx, cas.Blake3Hash(decompressed), objectData)
	if err != nil {
		return nil, err
	}
	for _, d := range fresh {
		if err := db.IndexChange(tx, d.c, resp.SegmentID, d.obj.Offset, d.obj.Length); err != nil {
			return nil, err
		}
		resp.Indexed++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing bundle: %w", store.ErrStorageIO, err)
	}
	return resp, nil
}

// ExtractObject extracts a single object from a segment.
func ExtractObject(db *store.DB, digest []byte) ([]byte, string, error) {
	info, err := db.GetObject(digest)
	if err != nil {
		return nil, "", err
	}

	blob, err := db.GetSegmentBlob(info.SegmentID)
	if err != nil {
		return nil, "", err
	}

	if info.Off+info.Len > int64(len(blob)) {
		return nil, "", fmt.Errorf("object extends beyond segment")
	}

	return blob[info.Off : info.Off+info.Len], info.Kind, nil
}
