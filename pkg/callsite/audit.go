package callsite

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	auditEnc cbor.EncMode
	auditDec cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	auditEnc, err = opts.EncMode()
	if err != nil {
		panic("callsite: CBOR encoder initialization failed: " + err.Error())
	}
	auditDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("callsite: CBOR decoder initialization failed: " + err.Error())
	}
}

// AuditRecord is one interception as written by Audit.
type AuditRecord struct {
	Time    time.Time `cbor:"time"`
	Caller  string    `cbor:"caller"`
	Kind    string    `cbor:"kind"`
	Owner   string    `cbor:"owner"`
	Name    string    `cbor:"name"`
	Type    string    `cbor:"type"`
	Allowed bool      `cbor:"allowed"`
	Error   string    `cbor:"error,omitempty"`
}

// Audit delegates to next and appends a CBOR record of the outcome to a
// writer. A failed write fails the resolution.
type Audit struct {
	next Policy
	now  func() time.Time

	mu  sync.Mutex
	enc *cbor.Encoder
}

// NewAudit returns an Audit policy in front of next writing to w.
func NewAudit(next Policy, w io.Writer) *Audit {
	return &Audit{next: next, now: time.Now, enc: auditEnc.NewEncoder(w)}
}

// WithAudit is the Link form of NewAudit.
func WithAudit(w io.Writer) Link {
	return func(next Policy) Policy { return NewAudit(next, w) }
}

func (a *Audit) Intercept(caller Caller, d Descriptor) (Handle, error) {
	h, err := a.next.Intercept(caller, d)
	rec := AuditRecord{
		Time:    a.now().UTC(),
		Caller:  caller.Class,
		Kind:    d.Kind.String(),
		Owner:   d.Owner,
		Name:    d.Name,
		Type:    d.Type.String(),
		Allowed: err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}

	a.mu.Lock()
	encErr := a.enc.Encode(rec)
	a.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if encErr != nil {
		return nil, fmt.Errorf("writing audit record: %w", encErr)
	}
	return h, nil
}

// ReadAudit decodes every record of an audit stream.
func ReadAudit(r io.Reader) ([]AuditRecord, error) {
	dec := auditDec.NewDecoder(r)
	var records []AuditRecord
	for {
		var rec AuditRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, fmt.Errorf("reading audit record %d: %w", len(records), err)
		}
		records = append(records, rec)
	}
}
