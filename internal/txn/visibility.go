package txn

import "github.com/relforge/relforge/internal/storage/clog"

// CLOGReader is the subset of clog.Log visibility needs.
type CLOGReader interface {
	Get(txid uint64) (clog.Status, error)
}

// Visible implements spec.md §4.6's exact two-clause visibility predicate
// for a tuple with the given (xmin, xmax) under snapshot s.
func Visible(xmin, xmax uint64, s Snapshot, log CLOGReader) (bool, error) {
	xminOK, err := xminVisible(xmin, s, log)
	if err != nil {
		return false, err
	}
	if !xminOK {
		return false, nil
	}
	return xmaxAllows(xmax, s, log)
}

// xminVisible is clause 1: xmin == self, or xmin < xmax_s AND xmin not
// active AND CLOG(xmin) = Committed.
func xminVisible(xmin uint64, s Snapshot, log CLOGReader) (bool, error) {
	if xmin == s.Self {
		return true, nil
	}
	if xmin >= s.Xmax {
		return false, nil
	}
	if s.IsActive(xmin) {
		return false, nil
	}
	status, err := log.Get(xmin)
	if err != nil {
		return false, err
	}
	return status == clog.StatusCommitted, nil
}

// xmaxAllows is clause 2.
func xmaxAllows(xmax uint64, s Snapshot, log CLOGReader) (bool, error) {
	switch {
	case xmax == 0:
		return true, nil
	case xmax == s.Self:
		return false, nil
	case xmax >= s.Xmax:
		return true, nil
	case s.IsActive(xmax):
		return true, nil
	}
	status, err := log.Get(xmax)
	if err != nil {
		return false, err
	}
	return status != clog.StatusCommitted, nil
}
