// Package journal remembers how calls ended after they leave the
// correlation table.
//
// A Journal is a broker.Observer that writes one record per settlement into
// a pebble store, and a broker.Recall the broker consults when a completion
// arrives for an id that is no longer pending. Records are kept until
// pruned.
package journal

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mnehpets/flowrpc/broker"
	"github.com/mnehpets/flowrpc/jsonrpc"
)

var (
	settlePrefix = []byte("settle/")
	timePrefix   = []byte("at/")
)

// ErrCorrupt is returned for records that cannot be decoded.
var ErrCorrupt = errors.New("journal: corrupt record")

// Journal is a pebble-backed settlement log.
type Journal struct {
	db     *pebble.DB
	logger logrus.FieldLogger
	sync   bool
}

// Option configures a Journal.
type Option func(*options)

type options struct {
	fs     vfs.FS
	logger logrus.FieldLogger
	sync   bool
}

// WithFS opens the store on fs, e.g. vfs.NewMem() in tests.
func WithFS(fs vfs.FS) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithLogger sets the logger for write failures and pebble's own messages.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSync makes every write durable before the observer returns.
func WithSync(sync bool) Option {
	return func(o *options) {
		o.sync = sync
	}
}

// Open opens or creates a journal in dir.
func Open(dir string, opts ...Option) (*Journal, error) {
	o := options{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	po := &pebble.Options{Logger: pebbleLogger{o.logger}}
	if o.fs != nil {
		po.FS = o.fs
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, errors.Wrapf(err, "journal: open %s", dir)
	}
	return &Journal{db: db, logger: o.logger, sync: o.sync}, nil
}

// Close closes the store.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) writeOpts() *pebble.WriteOptions {
	if j.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// OnAllocate implements broker.Observer.
func (j *Journal) OnAllocate(string, string) {}

// OnUnknown implements broker.Observer.
func (j *Journal) OnUnknown(string, broker.UnknownReason) {}

// OnSettle implements broker.Observer.
func (j *Journal) OnSettle(s broker.Settlement) {
	if err := j.Put(s); err != nil {
		j.logger.WithError(err).WithField("id", s.ID).Error("journal: write failed")
	}
}

// Put records s, replacing any earlier record for the same id.
func (j *Journal) Put(s broker.Settlement) error {
	b := j.db.NewBatch()
	defer b.Close()
	if prev, ok, err := j.get(s.ID); err == nil && ok {
		if err := b.Delete(timeKey(prev.At, prev.ID), nil); err != nil {
			return errors.Wrap(err, "journal: put")
		}
	}
	if err := b.Set(settleKey(s.ID), encodeRecord(s), nil); err != nil {
		return errors.Wrap(err, "journal: put")
	}
	if err := b.Set(timeKey(s.At, s.ID), nil, nil); err != nil {
		return errors.Wrap(err, "journal: put")
	}
	return errors.Wrapf(b.Commit(j.writeOpts()), "journal: put %s", s.ID)
}

// Recall implements broker.Recall.
func (j *Journal) Recall(id string) (broker.Settlement, bool) {
	s, ok, err := j.get(id)
	if err != nil {
		j.logger.WithError(err).WithField("id", id).Warn("journal: read failed")
		return broker.Settlement{}, false
	}
	return s, ok
}

func (j *Journal) get(id string) (broker.Settlement, bool, error) {
	val, closer, err := j.db.Get(settleKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return broker.Settlement{}, false, nil
	}
	if err != nil {
		return broker.Settlement{}, false, errors.Wrapf(err, "journal: get %s", id)
	}
	defer closer.Close()
	s, err := decodeRecord(id, val)
	if err != nil {
		return broker.Settlement{}, false, err
	}
	return s, true, nil
}

// Prune deletes records settled before t and returns how many.
func (j *Journal) Prune(before time.Time) (int, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: timePrefix,
		UpperBound: timeKey(before, ""),
	})
	if err != nil {
		return 0, errors.Wrap(err, "journal: prune")
	}
	defer iter.Close()

	b := j.db.NewBatch()
	defer b.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		id, err := idFromTimeKey(key)
		if err != nil {
			return n, err
		}
		if err := b.Delete(key, nil); err != nil {
			return n, errors.Wrap(err, "journal: prune")
		}
		if err := b.Delete(settleKey(id), nil); err != nil {
			return n, errors.Wrap(err, "journal: prune")
		}
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, errors.Wrap(err, "journal: prune")
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(j.writeOpts()); err != nil {
		return 0, errors.Wrap(err, "journal: prune")
	}
	j.logger.WithFields(logrus.Fields{"pruned": n, "before": before}).Debug("journal: pruned")
	return n, nil
}

// Scan calls fn for every record settled in [from, to), oldest first.
func (j *Journal) Scan(from, to time.Time, fn func(broker.Settlement) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: timeKey(from, ""),
		UpperBound: timeKey(to, ""),
	})
	if err != nil {
		return errors.Wrap(err, "journal: scan")
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		id, err := idFromTimeKey(iter.Key())
		if err != nil {
			return err
		}
		s, ok, err := j.get(id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return errors.Wrap(iter.Error(), "journal: scan")
}

var _ interface {
	broker.Observer
	broker.Recall
} = (*Journal)(nil)

// pebbleLogger demotes pebble's chatty info messages to debug.
type pebbleLogger struct {
	logrus.FieldLogger
}

func (l pebbleLogger) Infof(format string, args ...interface{}) {
	l.FieldLogger.Debugf("pebble: "+format, args...)
}

func (l pebbleLogger) Errorf(format string, args ...interface{}) {
	l.FieldLogger.Errorf("pebble: "+format, args...)
}

// -------------------- Keys --------------------

func settleKey(id string) []byte {
	return append(append([]byte(nil), settlePrefix...), id...)
}

// timeKey orders records by settlement time: at/[unixnano:8 big endian]/id.
func timeKey(t time.Time, id string) []byte {
	k := make([]byte, 0, len(timePrefix)+9+len(id))
	k = append(k, timePrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(t.UnixNano()))
	k = append(k, '/')
	return append(k, id...)
}

func idFromTimeKey(k []byte) (string, error) {
	rest, ok := bytes.CutPrefix(k, timePrefix)
	if !ok || len(rest) < 9 || rest[8] != '/' {
		return "", errors.Wrapf(ErrCorrupt, "key %q", k)
	}
	return string(rest[9:]), nil
}

// -------------------- Record --------------------

var kinds = []broker.SettleKind{
	broker.KindResolved,
	broker.KindRejected,
	broker.KindTimeout,
	broker.KindUnregistered,
	broker.KindClosed,
}

func kindByte(k broker.SettleKind) byte {
	for i, kk := range kinds {
		if kk == k {
			return byte(i)
		}
	}
	return byte(1)
}

// binary encoding:
// [kind:1][allocated:8][at:8][methodLen:2][method][ownerLen:2][owner][hasErr:1]
// followed, when hasErr is 1, by [code:4][message].
func encodeRecord(s broker.Settlement) []byte {
	buf := make([]byte, 0, 22+len(s.Method)+len(s.Owner))
	buf = append(buf, kindByte(s.Kind))
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.Allocated.UnixNano()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.At.UnixNano()))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s.Method)))
	buf = append(buf, s.Method...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s.Owner)))
	buf = append(buf, s.Owner...)
	if s.Error == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(s.Error.Code)))
	return append(buf, s.Error.Message...)
}

func decodeRecord(id string, b []byte) (broker.Settlement, error) {
	if len(b) < 19 || int(b[0]) >= len(kinds) {
		return broker.Settlement{}, ErrCorrupt
	}
	s := broker.Settlement{
		ID:        id,
		Kind:      kinds[b[0]],
		Allocated: time.Unix(0, int64(binary.BigEndian.Uint64(b[1:9]))),
		At:        time.Unix(0, int64(binary.BigEndian.Uint64(b[9:17]))),
	}
	rest := b[17:]
	var ok bool
	if s.Method, rest, ok = cutField(rest); !ok {
		return broker.Settlement{}, ErrCorrupt
	}
	if s.Owner, rest, ok = cutField(rest); !ok {
		return broker.Settlement{}, ErrCorrupt
	}
	switch {
	case len(rest) == 1 && rest[0] == 0:
	case len(rest) >= 5 && rest[0] == 1:
		s.Error = &jsonrpc.JSONRPCError{
			Code:    int(int32(binary.BigEndian.Uint32(rest[1:5]))),
			Message: string(rest[5:]),
		}
	default:
		return broker.Settlement{}, ErrCorrupt
	}
	return s, nil
}

// cutField splits a [len:2][bytes] field off b.
func cutField(b []byte) (string, []byte, bool) {
	if len(b) < 2 {
		return "", nil, false
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return "", nil, false
	}
	return string(b[2 : 2+n]), b[2+n:], true
}
