// Package root reads the Root manifest: the map from FileDataID and name
// hash to content key, paged and filtered by locale and content flags. It
// follows the same read-once-then-index-in-memory shape the teacher uses
// for its CID-to-offset tables, but the wire format here is page-oriented
// rather than a flat sorted table.
package root

import (
	"bytes"
	"sort"

	"github.com/ngdp-go/tactcore/binutil"
	"github.com/ngdp-go/tactcore/errs"
	"k8s.io/klog/v2"
)

// Magic is the modern Root blob's leading tag. Its absence means the blob
// is a legacy format whose header is implicit (zero bytes consumed; page
// parsing starts immediately).
var Magic = [4]byte{'M', 'F', 'S', 'T'}

// ContentFlags bits, locale-independent.
const (
	ContentLoadOnWindows ContentFlags = 0x8
	ContentLoadOnMacOS   ContentFlags = 0x10
	ContentLowViolence   ContentFlags = 0x80
	ContentDoNotLoad     ContentFlags = 0x100
	ContentUpdatePlugin  ContentFlags = 0x800
	ContentEncrypted     ContentFlags = 0x8000000
	ContentNoNames       ContentFlags = 0x10000000
	ContentUncommonRes   ContentFlags = 0x20000000
	ContentBundle        ContentFlags = 0x40000000
	ContentNoCompression ContentFlags = 0x80000000
)

type ContentFlags uint32
type LocaleFlags uint32

// Locale bits, one per shipped game language.
const (
	LocaleEnUS LocaleFlags = 0x2
	LocaleKoKR LocaleFlags = 0x4
	LocaleFrFR LocaleFlags = 0x10
	LocaleDeDE LocaleFlags = 0x20
	LocaleZhCN LocaleFlags = 0x40
	LocaleEsES LocaleFlags = 0x80
	LocaleZhTW LocaleFlags = 0x100
	LocaleEnGB LocaleFlags = 0x200
	LocaleEnCN LocaleFlags = 0x400
	LocaleEnTW LocaleFlags = 0x800
	LocaleEsMX LocaleFlags = 0x1000
	LocaleRuRU LocaleFlags = 0x2000
	LocalePtBR LocaleFlags = 0x4000
	LocaleItIT LocaleFlags = 0x8000
	LocalePtPT LocaleFlags = 0x10000
)

// AllWoW is the union of every shipped game language; pages tagged with it
// are format sentinels and are never dropped by locale filtering regardless
// of the configured locale.
const AllWoW = LocaleEnUS | LocaleKoKR | LocaleFrFR | LocaleDeDE | LocaleZhCN |
	LocaleEsES | LocaleZhTW | LocaleEnGB | LocaleEnCN | LocaleEnTW |
	LocaleEsMX | LocaleRuRU | LocalePtBR | LocaleItIT | LocalePtPT

// Record is one FileDataID/content-key mapping, with the flags of the page
// it came from.
type Record struct {
	FileDataID   uint32
	CKey         []byte
	NameHash     uint64
	HasName      bool
	ContentFlags ContentFlags
	LocaleFlags  LocaleFlags
}

type page struct {
	records []Record
	hasName bool
}

// Root is a fully parsed, in-memory Root manifest. Loading eagerly builds
// the FDID-sorted page contents and the nameHash -> record index; there is
// no lazy parsing because every page must be flag-filtered before use.
type Root struct {
	pages       []page
	byNameHash  map[uint64]*Record
	recordCount int
}

// Format distinguishes the header variant governing page-flag layout.
type Format int

const (
	FormatV0 Format = iota
	FormatV1
	FormatV2
)

// Parse decodes a fully-decoded (BLTE-stripped) Root blob. locale selects
// which localeFlags-tagged pages survive filtering; AllWoW-tagged pages are
// always kept.
func Parse(blob []byte, locale LocaleFlags) (*Root, error) {
	const op = "root.Parse"
	buf := blob
	format := FormatV0
	allowUnnamed := false

	if len(buf) >= 4 && bytes.Equal(buf[:4], Magic[:]) {
		buf = buf[4:]
		if len(buf) < 8 {
			return nil, errs.Corruptf(op, "truncated MFST header")
		}
		headerSize := binutil.LittleEndian.Uint32(buf[0:4])
		version := binutil.LittleEndian.Uint32(buf[4:8])
		buf = buf[8:]
		if headerSize <= 1000 {
			if len(buf) < 8 {
				return nil, errs.Corruptf(op, "truncated MFST counts")
			}
			totalFileCount := binutil.LittleEndian.Uint32(buf[0:4])
			namedFileCount := binutil.LittleEndian.Uint32(buf[4:8])
			buf = buf[8:]
			allowUnnamed = totalFileCount != namedFileCount
			switch version {
			case 2:
				format = FormatV2
			case 1:
				format = FormatV1
			default:
				format = FormatV0
			}
		} else {
			// A large headerSize signals a pre-counted form; fall back to
			// version 0 semantics rather than trusting the version field.
			format = FormatV0
		}
	}
	// Legacy (no MFST magic): header is implicit, zero bytes consumed, and
	// page parsing starts immediately at the original blob start. allowUnnamed
	// stays false (format != MFST), so every page is assumed named.

	r := &Root{byNameHash: make(map[uint64]*Record)}

	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, errs.Corruptf(op, "truncated page record count")
		}
		recordCount := binutil.LittleEndian.Uint32(buf[0:4])
		buf = buf[4:]
		if recordCount == 0 {
			continue
		}

		var contentFlags ContentFlags
		var localeFlags LocaleFlags
		switch format {
		case FormatV2:
			if len(buf) < 13 {
				return nil, errs.Corruptf(op, "truncated v2 page flags")
			}
			localeFlags = LocaleFlags(binutil.LittleEndian.Uint32(buf[0:4]))
			unk1 := binutil.LittleEndian.Uint32(buf[4:8])
			unk2 := binutil.LittleEndian.Uint32(buf[8:12])
			unk3 := buf[12]
			contentFlags = ContentFlags(unk1 | unk2 | (uint32(unk3) << 17))
			buf = buf[13:]
		default: // v0/v1
			if len(buf) < 16 {
				return nil, errs.Corruptf(op, "truncated v0/v1 page flags")
			}
			contentFlags = ContentFlags(binutil.LittleEndian.Uint32(buf[0:4]))
			localeFlags = LocaleFlags(binutil.LittleEndian.Uint32(buf[4:8]))
			buf = buf[16:]
		}

		n := int(recordCount)
		if len(buf) < n*4 {
			return nil, errs.Corruptf(op, "truncated FDID delta array")
		}
		fdids := make([]uint32, n)
		var fdid uint32
		for i := 0; i < n; i++ {
			delta := binutil.LittleEndian.Uint32(buf[i*4 : i*4+4])
			if i == 0 {
				fdid = delta
			} else {
				fdid = fdid + delta + 1
			}
			fdids[i] = fdid
		}
		buf = buf[n*4:]

		if len(buf) < n*16 {
			return nil, errs.Corruptf(op, "truncated content key array")
		}
		cKeys := make([][]byte, n)
		for i := 0; i < n; i++ {
			cKeys[i] = append([]byte(nil), buf[i*16:i*16+16]...)
		}
		buf = buf[n*16:]

		hasNames := !allowUnnamed || contentFlags&ContentNoNames == 0
		var nameHashes []uint64
		if hasNames {
			if len(buf) < n*8 {
				return nil, errs.Corruptf(op, "truncated name hash array")
			}
			nameHashes = make([]uint64, n)
			for i := 0; i < n; i++ {
				nameHashes[i] = binutil.LittleEndian.Uint64(buf[i*8 : i*8+8])
			}
			buf = buf[n*8:]
		}

		if !localeMatches(localeFlags, locale) {
			continue
		}
		if contentFlags&ContentLowViolence != 0 {
			continue
		}

		recs := make([]Record, n)
		for i := 0; i < n; i++ {
			recs[i] = Record{
				FileDataID:   fdids[i],
				CKey:         cKeys[i],
				ContentFlags: contentFlags,
				LocaleFlags:  localeFlags,
				HasName:      hasNames,
			}
			if hasNames {
				recs[i].NameHash = nameHashes[i]
			}
		}
		r.pages = append(r.pages, page{records: recs, hasName: hasNames})
		r.recordCount += n
		for i := range recs {
			if recs[i].HasName {
				r.byNameHash[recs[i].NameHash] = &r.pages[len(r.pages)-1].records[i]
			}
		}
	}

	klog.V(2).Infof("root: loaded %d records across %d kept pages", r.recordCount, len(r.pages))
	return r, nil
}

// localeMatches reports whether a page survives locale filtering: either it
// overlaps the configured locale, or it carries the AllWoW sentinel (which
// is always kept regardless of overlap).
func localeMatches(pageLocale, configured LocaleFlags) bool {
	if pageLocale&configured != 0 {
		return true
	}
	return pageLocale&AllWoW == AllWoW
}

// FindFileDataID scans kept pages for fdid; within a page the FDID array is
// strictly ascending so the in-page search is a binary search.
func (r *Root) FindFileDataID(fdid uint32) (*Record, error) {
	const op = "root.FindFileDataID"
	for p := range r.pages {
		recs := r.pages[p].records
		i := sort.Search(len(recs), func(i int) bool { return recs[i].FileDataID >= fdid })
		if i < len(recs) && recs[i].FileDataID == fdid {
			rec := recs[i]
			return &rec, nil
		}
	}
	return nil, errs.NotFoundf(op, "FileDataID %d not present", fdid)
}

// FindNameHash looks up a record by its precomputed name hash in O(1) via
// the map built at load time.
func (r *Root) FindNameHash(hash uint64) (*Record, error) {
	const op = "root.FindNameHash"
	rec, ok := r.byNameHash[hash]
	if !ok {
		return nil, errs.NotFoundf(op, "name hash %016x not present", hash)
	}
	return rec, nil
}

func (r *Root) RecordCount() int { return r.recordCount }
