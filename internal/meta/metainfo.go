package meta

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitwire/rabbit/internal/bencode"
	"github.com/rabbitwire/rabbit/internal/cast"
)

type Metainfo struct {
	Info         *Info           `json:"info"`
	Announce     string          `json:"announce"`
	AnnounceList [][]string      `json:"announceList"`
	CreationDate time.Time       `json:"creationDate"`
	CreatedBy    string          `json:"createdBy"`
	Comment      string          `json:"comment"`
	Encoding     string          `json:"encoding"`
	URLs         []string        `json:"urls"`
	InfoHash     [sha1.Size]byte `json:"hash"`
}

type Info struct {
	Name        string            `json:"name"`
	PieceLength int32             `json:"pieceLength"`
	Pieces      [][sha1.Size]byte `json:"pieces"`
	Private     bool              `json:"private"`
	Length      int64             `json:"length"`
	Files       []*File           `json:"files"`
}

type File struct {
	Length int64    `json:"length"`
	Path   []string `json:"path"`
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
	ErrCreationDateInvalid = errors.New("metainfo: invalid creation date")
	// ErrMultiFileUnsupported is returned by RequireSingleFile when a
	// torrent's info dict uses the multi-file ('files') layout. The
	// client only drives a single-file BlockStore.
	ErrMultiFileUnsupported = errors.New("metainfo: multi-file torrents are not supported")
)

// Size returns the torrent's total content length, single-file or summed
// across its file list.
func (m *Metainfo) Size() int64 {
	if m.Info.Length > 0 {
		return m.Info.Length
	}

	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}
	return sum
}

// NumPieces returns the number of 20-byte SHA-1 hashes in the info dict's
// 'pieces' string, equivalently the torrent's piece count.
func (m *Metainfo) NumPieces() int { return len(m.Info.Pieces) }

// RequireSingleFile rejects torrents using the multi-file layout. Parsing
// accepts both layouts (so loaders can inspect any well-formed torrent),
// but only single-file torrents can be downloaded by this client.
func (m *Metainfo) RequireSingleFile() error {
	if m.Info.Files != nil {
		return ErrMultiFileUnsupported
	}
	return nil
}

// bencodeDict is a thin accessor over a decoded bencode dict. It
// centralizes the "field present, then correctly typed" check every
// metainfo field goes through, so ParseMetainfo/parseInfo/parseFiles don't
// each repeat the ok/cast/err dance by hand.
type bencodeDict map[string]any

// str reads an optional string field. present is false only when the key
// is absent; a wrong-typed value still reports present=true with err set.
func (d bencodeDict) str(key string) (value string, present bool, err error) {
	v, ok := d[key]
	if !ok {
		return "", false, nil
	}
	s, err := cast.ToString(v)
	return s, true, err
}

// int reads an optional integer field under the same present/err contract
// as str.
func (d bencodeDict) int(key string) (value int64, present bool, err error) {
	v, ok := d[key]
	if !ok {
		return 0, false, nil
	}
	n, err := cast.ToInt(v)
	return n, true, err
}

// ParseMetainfo decodes a .torrent file's bencoded bytes into a Metainfo,
// validating every field a download needs before returning.
func ParseMetainfo(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	rootMap, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}
	root := bencodeDict(rootMap)

	announce, _, err := root.str("announce")
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid 'announce': %w", err)
	}
	announceList, err := parseAnnounceList(rootMap["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	var creationDate time.Time
	if secs, present, err := root.int("creation date"); present {
		if err != nil || secs < 0 {
			return nil, ErrCreationDateInvalid
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, _, err := root.str("created by")
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid 'created by': %w", err)
	}
	comment, _, err := root.str("comment")
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid 'comment': %w", err)
	}
	encoding, _, err := root.str("encoding")
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid 'encoding': %w", err)
	}

	infoRaw, ok := rootMap["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	infoDict, ok := infoRaw.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	info, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	hash, err := hashInfoDict(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}

	return &Metainfo{
		Info:         info,
		InfoHash:     hash,
		Announce:     announce,
		AnnounceList: announceList,
		CreationDate: creationDate,
		CreatedBy:    createdBy,
		Comment:      comment,
		Encoding:     encoding,
	}, nil
}

func parseInfo(raw map[string]any) (*Info, error) {
	d := bencodeDict(raw)
	var out Info

	name, present, err := d.str("name")
	if !present {
		return nil, ErrNameMissing
	}
	if err != nil || name == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}
	out.Name = name

	pieceLen, present, err := d.int("piece length")
	if !present {
		return nil, ErrPieceLenMissing
	}
	if err != nil || pieceLen <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	out.PieceLength = int32(pieceLen)

	pieces, err := decodePieceHashes(raw["pieces"])
	if err != nil {
		return nil, err
	}
	out.Pieces = pieces

	if priv, present, err := d.int("private"); present {
		if err != nil || (priv != 0 && priv != 1) {
			return nil, errors.New("metainfo: invalid 'private' flag")
		}
		out.Private = priv == 1
	}

	// Layout is exactly one of single-file ('length') or multi-file
	// ('files'); neither or both present is malformed.
	length, hasLength, lenErr := d.int("length")
	filesRaw, hasFiles := raw["files"]

	switch {
	case hasLength && !hasFiles:
		if lenErr != nil || length < 0 {
			return nil, errors.New("metainfo: invalid 'length'")
		}
		out.Length = length

	case hasFiles && !hasLength:
		files, err := parseFiles(filesRaw)
		if err != nil {
			return nil, err
		}
		out.Files = files

	default:
		return nil, ErrLayoutInvalid
	}

	return &out, nil
}

func parseFiles(v any) ([]*File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, errors.New("metainfo: invalid or empty 'files'")
	}

	files := make([]*File, len(arr))
	for i, entry := range arr {
		raw, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}
		d := bencodeDict(raw)

		length, present, err := d.int("length")
		if !present {
			return nil, fmt.Errorf("metainfo: files[%d]: length missing", i)
		}
		if err != nil || length < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		pathRaw, ok := raw["path"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: path missing", i)
		}
		segments, err := cast.ToStringSlice(pathRaw)
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}

		files[i] = &File{Length: length, Path: segments}
	}

	return files, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	tiersRaw, ok := v.([]any)
	if !ok {
		return nil, errors.New("metainfo: invalid announce-list")
	}
	tiers, err := cast.ToTieredStrings(tiersRaw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid announce-list: %w", err)
	}

	nonEmpty := make([][]string, 0, len(tiers))
	for _, tier := range tiers {
		if len(tier) > 0 {
			nonEmpty = append(nonEmpty, tier)
		}
	}
	return nonEmpty, nil
}

// hashInfoDict re-marshals the raw info dict exactly as decoded and
// SHA-1s it; this must run over the original map, never a re-serialized
// Info struct, so any fields this client doesn't model still feed the
// hash other peers expect. Keys are re-emitted in sorted order, so the
// hash matches the original bytes only when the torrent's info dict was
// itself canonically (sorted-key) encoded.
func hashInfoDict(info map[string]any) ([sha1.Size]byte, error) {
	encoded, err := bencode.Marshal(info)
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(encoded), nil
}

func decodePieceHashes(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	raw, err := cast.ToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(raw)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(raw) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := range out {
		copy(out[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}
