package span

import "encoding/json"

// MaxEncodedBytes is the atomic-write ceiling named in spec.md §9: a
// POSIX append of up to this size is guaranteed not to interleave with
// a concurrent writer's append on the platforms substrate targets.
const MaxEncodedBytes = 4096

// truncatedMarker is appended to argv when it had to be dropped to fit
// the ceiling, so a reader can tell truncation happened rather than
// assuming the command had no arguments.
const truncatedMarker = "...[truncated]"

// Encode marshals s to JSON, shrinking the largest variable-length
// fields (argv, scopes_used, fs_diff, reasons) until the encoding fits
// within MaxEncodedBytes. event_type, span_id, session_id, and
// timestamps are never dropped. Only argv is shortened further than a
// fixed entry count; cwd, binary_path and the individual entries of the
// other lists are kept whole, so a span whose remaining fields alone
// exceed the ceiling is returned above it.
func Encode(s *Span) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	if len(data) <= MaxEncodedBytes {
		return data, nil
	}

	shrunk := *s
	if shrunk.FSDiff != nil {
		fd := *shrunk.FSDiff
		fd.Added = capStrings(fd.Added, 8)
		fd.Modified = capStrings(fd.Modified, 8)
		fd.Deleted = capStrings(fd.Deleted, 8)
		shrunk.FSDiff = &fd
	}
	shrunk.ScopesUsed = capStrings(shrunk.ScopesUsed, 16)
	if shrunk.PolicyDecision != nil {
		pd := *shrunk.PolicyDecision
		pd.Reasons = capStrings(pd.Reasons, 4)
		shrunk.PolicyDecision = &pd
	}
	shrunk.Argv = capStrings(shrunk.Argv, 32)

	data, err = json.Marshal(&shrunk)
	if err != nil {
		return nil, err
	}
	if len(data) <= MaxEncodedBytes {
		return data, nil
	}

	// Still too large: argv elements themselves are outsized. Truncate
	// each one and drop EnvDigest, the only remaining unbounded field.
	shrunk.EnvDigest = ""
	for i, a := range shrunk.Argv {
		if len(a) > 256 {
			shrunk.Argv[i] = a[:256] + truncatedMarker
		}
	}
	data, err = json.Marshal(&shrunk)
	// Drop trailing argv entries, keeping the marker last, until it fits.
	for err == nil && len(data) > MaxEncodedBytes && len(shrunk.Argv) > 1 {
		shrunk.Argv = capStrings(shrunk.Argv, len(shrunk.Argv)-2)
		data, err = json.Marshal(&shrunk)
	}
	return data, err
}

func capStrings(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	out := make([]string, n+1)
	copy(out, s[:n])
	out[n] = truncatedMarker
	return out
}
