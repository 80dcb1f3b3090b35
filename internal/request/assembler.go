package request

import (
	"github.com/dunamismax/pixelgate/internal/domain"
)

// Options configures an Assembler. Values are read once at construction.
type Options struct {
	SourceBuckets       []string
	RewriteMatchPattern string
	RewriteSubstitution string
	AutoWebP            bool
	// MaxDimension caps resize widths and heights; DefaultMaxDimension
	// applies when it is not positive.
	MaxDimension int
}

// Assembler turns request descriptors into resolved requests. It holds no
// mutable state and is safe for concurrent use.
type Assembler struct {
	buckets    AllowList
	rewriter   *Rewriter
	negotiator Negotiator
	maxDim     int
}

func NewAssembler(opts Options) (*Assembler, error) {
	rewriter, err := NewRewriter(opts.RewriteMatchPattern, opts.RewriteSubstitution)
	if err != nil {
		return nil, err
	}
	maxDim := opts.MaxDimension
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}
	return &Assembler{
		buckets:    NewAllowList(opts.SourceBuckets),
		rewriter:   rewriter,
		negotiator: Negotiator{AutoWebP: opts.AutoWebP},
		maxDim:     maxDim,
	}, nil
}

// Buckets exposes the source bucket allow-list so overlay objects can be
// checked against it.
func (a *Assembler) Buckets() AllowList {
	return a.buckets
}

// Assemble resolves d into a bucket, key, edit set and output format. On
// error the returned request is the zero value and the error is a *Error.
func (a *Assembler) Assemble(d domain.Descriptor) (domain.ResolvedRequest, error) {
	scheme := Classify(d.Path, a.rewriter != nil)

	var (
		bucket, key   string
		edits         domain.EditSet
		decodedFormat string
		err           error
	)

	switch scheme {
	case domain.SchemeUnknown:
		return domain.ResolvedRequest{}, ErrRequestType

	case domain.SchemeEncoded:
		payload, decodeErr := DecodePayload(d.Path)
		if decodeErr != nil {
			return domain.ResolvedRequest{}, decodeErr
		}
		if payload.Bucket != "" {
			bucket, err = a.buckets.Resolve(payload.Bucket)
		} else {
			bucket, err = a.buckets.Default()
		}
		if err != nil {
			return domain.ResolvedRequest{}, err
		}
		if err = checkEditBounds(payload.Edits, a.maxDim); err != nil {
			return domain.ResolvedRequest{}, err
		}
		key, edits, decodedFormat = payload.Key, payload.Edits, payload.OutputFormat

	case domain.SchemeFilterChain, domain.SchemeCustom:
		p := d.Path
		if scheme == domain.SchemeCustom {
			p = a.rewriter.Rewrite(p)
		}
		if bucket, err = a.buckets.Default(); err != nil {
			return domain.ResolvedRequest{}, err
		}
		if key, err = ObjectKey(p); err != nil {
			return domain.ResolvedRequest{}, err
		}
		if edits, err = ParseFilterChain(p); err != nil {
			return domain.ResolvedRequest{}, err
		}
		if err = checkEditBounds(edits, a.maxDim); err != nil {
			return domain.ResolvedRequest{}, err
		}

	default:
		return domain.ResolvedRequest{}, ErrCannotFindBucket
	}

	n := a.negotiator.Negotiate(edits, d, scheme, decodedFormat)
	return domain.ResolvedRequest{
		Scheme:       scheme,
		Bucket:       bucket,
		Key:          key,
		Edits:        n.Edits,
		OutputFormat: n.OutputFormat,
		ContentType:  n.ContentType,
	}, nil
}
