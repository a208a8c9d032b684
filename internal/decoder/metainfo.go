package decoder

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/WendelHime/swarmget/internal/shared/models"
	"github.com/zeebo/bencode"
)

var (
	ErrMalformedDescriptor = errors.New("malformed descriptor")
	ErrUnsupportedSize     = errors.New("unsupported size")
)

// maxSize is the largest length or piece length accepted (4 GiB - 1).
var maxSize = big.NewInt(1<<32 - 1)

type MetafileDecoder interface {
	Decode(io.Reader) (models.Metafile, error)
}

type decoder struct {
	log *slog.Logger
}

func NewDecoder(logger *slog.Logger) MetafileDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return decoder{log: logger}
}

// serialization struct the represents the structure of a .torrent file
// it is not immediately usable, so it can be converted to a Metafile struct
type bencodeTorrent struct {
	// URL of tracker server to get peers from
	Announce string `bencode:"announce"`
	// Info is parsed as a RawMessage to ensure that the final info_hash is
	// correct even in the case of the info dictionary being an unexpected shape
	Info bencode.RawMessage `bencode:"info"`
}

// every field is kept raw so absence and kind can be told apart
type bencodeInfo struct {
	Name        bencode.RawMessage `bencode:"name"`
	Length      bencode.RawMessage `bencode:"length"`
	PieceLength bencode.RawMessage `bencode:"piece length"`
	Pieces      bencode.RawMessage `bencode:"pieces"`
}

func (d decoder) Decode(torrent io.Reader) (models.Metafile, error) {
	var response models.Metafile

	raw, err := io.ReadAll(torrent)
	if err != nil {
		return response, err
	}
	if len(raw) == 0 || raw[0] != 'd' {
		return response, fmt.Errorf("%w: top level is not a dictionary", ErrMalformedDescriptor)
	}

	var bt bencodeTorrent
	if err := bencode.DecodeBytes(raw, &bt); err != nil {
		d.log.Error("failed to decode torrent", slog.Any("error", err))
		return response, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	if len(bt.Info) == 0 || bt.Info[0] != 'd' {
		return response, fmt.Errorf("%w: info dictionary is missing", ErrMalformedDescriptor)
	}

	info, err := decodeInfo(bt.Info)
	if err != nil {
		d.log.Error("failed to decode torrent info", slog.Any("error", err))
		return response, err
	}

	response.Announce = bt.Announce
	response.Info = info
	response.RawInfo = append([]byte(nil), bt.Info...)
	response.InfoHash = ComputeInfoHash(response.RawInfo)

	canonical, err := CanonicalInfoHash(response.RawInfo)
	if err != nil || canonical != response.InfoHash {
		d.log.Warn("info dictionary is not canonically encoded, hashing the original bytes",
			slog.String("info_hash", response.InfoHash.String()),
			slog.String("canonical_hash", canonical.String()))
	}

	return response, nil
}

func decodeInfo(raw []byte) (models.Info, error) {
	var info models.Info
	var bi bencodeInfo
	if err := bencode.DecodeBytes(raw, &bi); err != nil {
		return info, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}

	name, err := decodeString("name", bi.Name)
	if err != nil {
		return info, err
	}
	pieces, err := decodeString("pieces", bi.Pieces)
	if err != nil {
		return info, err
	}
	length, err := decodeSize("length", bi.Length)
	if err != nil {
		return info, err
	}
	pieceLength, err := decodeSize("piece length", bi.PieceLength)
	if err != nil {
		return info, err
	}
	if pieceLength == 0 {
		return info, fmt.Errorf("%w: piece length is zero", ErrMalformedDescriptor)
	}

	info = models.Info{
		Name:        name,
		Length:      length,
		PieceLength: pieceLength,
		Pieces:      pieces,
	}

	if len(pieces)%sha1.Size != 0 || len(pieces)/sha1.Size != info.TotalPieces() {
		return info, fmt.Errorf("%w: %d piece hashes for %d pieces", ErrMalformedDescriptor, len(pieces)/sha1.Size, info.TotalPieces())
	}
	info.PiecesHashes = calculatePiecesHashes(pieces)

	return info, nil
}

func decodeString(field string, raw bencode.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: %q is missing", ErrMalformedDescriptor, field)
	}
	if raw[0] < '0' || raw[0] > '9' {
		return "", fmt.Errorf("%w: %q is not a byte string", ErrMalformedDescriptor, field)
	}
	var s string
	if err := bencode.DecodeBytes(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformedDescriptor, field, err)
	}
	return s, nil
}

// decodeSize parses an integer token with arbitrary precision so oversized values are
// reported instead of overflowing.
func decodeSize(field string, raw bencode.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: %q is missing", ErrMalformedDescriptor, field)
	}
	if len(raw) < 3 || raw[0] != 'i' || raw[len(raw)-1] != 'e' {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrMalformedDescriptor, field)
	}
	n, ok := new(big.Int).SetString(string(raw[1:len(raw)-1]), 10)
	if !ok {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrMalformedDescriptor, field)
	}
	if n.Sign() < 0 || n.Cmp(maxSize) > 0 {
		return 0, fmt.Errorf("%w: %q is %s, must be within [0, %s]", ErrUnsupportedSize, field, n, maxSize)
	}
	return n.Int64(), nil
}

// ComputeInfoHash hashes the info dictionary exactly as it appeared in the descriptor.
func ComputeInfoHash(rawInfo []byte) models.Hash {
	return sha1.Sum(rawInfo)
}

// CanonicalInfoHash decodes the info dictionary and hashes its canonical re-encoding
// (sorted keys, minimal integers). It matches ComputeInfoHash for well-formed descriptors.
func CanonicalInfoHash(rawInfo []byte) (models.Hash, error) {
	var doc interface{}
	if err := bencode.DecodeBytes(rawInfo, &doc); err != nil {
		return models.Hash{}, err
	}
	encoded, err := bencode.EncodeBytes(doc)
	if err != nil {
		return models.Hash{}, err
	}
	return sha1.Sum(encoded), nil
}

func calculatePiecesHashes(pieces string) []models.Hash {
	piecesHashes := make([]models.Hash, 0, len(pieces)/sha1.Size)

	reader := bytes.NewReader([]byte(pieces))
	for reader.Len() >= sha1.Size {
		var hash models.Hash
		_, _ = reader.Read(hash[:])
		piecesHashes = append(piecesHashes, hash)
	}

	return piecesHashes
}
