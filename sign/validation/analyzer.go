// Package validation analyzes the signature timestamps carried by a CMS
// signature and reports what it finds.
package validation

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/georgepadayatti/tstcheck/certvalidator"
	"github.com/georgepadayatti/tstcheck/sign/cms"
	"github.com/georgepadayatti/tstcheck/sign/digest"
	"github.com/georgepadayatti/tstcheck/sign/timestamps"
	"github.com/georgepadayatti/tstcheck/sign/validation/report"
)

// TokenError is a structural failure confined to one timestamp token.
// Processing of other signer infos continues.
type TokenError struct {
	SignerIndex int
	TokenIndex  int
	Err         error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("signer %d, timestamp %d: %v", e.SignerIndex, e.TokenIndex, e.Err)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// Analyzer walks a signature and emits findings. It holds no per-run state
// and may be shared between goroutines.
type Analyzer struct {
	log *logrus.Entry
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger used for debug output.
func WithLogger(entry *logrus.Entry) Option {
	return func(a *Analyzer) {
		if entry != nil {
			a.log = entry
		}
	}
}

// NewAnalyzer creates an Analyzer. Without WithLogger it logs nothing.
func NewAnalyzer(opts ...Option) *Analyzer {
	silent := logrus.New()
	silent.SetOutput(io.Discard)
	a := &Analyzer{log: logrus.NewEntry(silent)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Analyzer) withField(key string, value any) *Analyzer {
	return &Analyzer{log: a.log.WithField(key, value)}
}

// Analyze decodes data as a CMS SignedData and analyzes every signer info.
//
// An envelope that cannot be decoded is returned at once as a
// *cms.DecodeError. Failures confined to a timestamp token are collected as
// *TokenError, and returned joined after every signer info has been
// processed. Policy violations are never errors; they reach sink as
// findings.
func (a *Analyzer) Analyze(data []byte, sink report.Sink) error {
	env, err := cms.ParseSignedEnvelope(data)
	if err != nil {
		a.log.WithField("stage", stageOf(err)).WithError(err).Debug("envelope rejected")
		return err
	}
	return a.AnalyzeEnvelope(env, sink)
}

// AnalyzeEnvelope analyzes an already decoded envelope.
func (a *Analyzer) AnalyzeEnvelope(env *cms.SignedEnvelope, sink report.Sink) error {
	a.log.WithFields(logrus.Fields{
		"signers":      len(env.SignerInfos),
		"certificates": env.Certificates.Len(),
	}).Debug("envelope decoded")

	var errs []error
	for _, si := range env.SignerInfos {
		errs = append(errs, a.analyzeSigner(env, si, sink)...)
	}
	return errors.Join(errs...)
}

func (a *Analyzer) analyzeSigner(env *cms.SignedEnvelope, si *cms.SignerInfo, sink report.Sink) []error {
	out := placement{sink: sink, signer: si.Index, token: -1}
	log := a.log.WithField("signer", si.Index)

	out.emit(resolveFinding(si.SID, cms.Resolve(env.Certificates, si.SID)))

	for _, attr := range si.UnsignedAttrs {
		if u, ok := attr.(*cms.UnrecognizedAttribute); ok {
			out.emit(report.Finding{Kind: report.AttributeSeen, AttributeType: u.Type.String()})
		}
	}

	var errs []error
	index := 0
	for token, err := range timestamps.Extract(si) {
		if err != nil {
			log.WithFields(logrus.Fields{"token": index, "stage": stageOf(err)}).WithError(err).Debug("timestamp token rejected")
			errs = append(errs, &TokenError{SignerIndex: si.Index, TokenIndex: index, Err: err})
			break
		}
		if err := a.analyzeToken(si, index, token, sink); err != nil {
			log.WithFields(logrus.Fields{"token": index, "stage": stageOf(err)}).WithError(err).Debug("timestamp token failed")
			errs = append(errs, &TokenError{SignerIndex: si.Index, TokenIndex: index, Err: err})
		}
		index++
	}
	return errs
}

// analyzeToken binds one token to the signature value of si, then checks
// the certificate of the authority that issued it.
func (a *Analyzer) analyzeToken(si *cms.SignerInfo, index int, token *timestamps.TimestampToken, sink report.Sink) error {
	out := placement{sink: sink, signer: si.Index, token: index}
	tokenSigner := token.SignerInfo()

	out.emit(report.Finding{
		Kind:      report.TimestampSeen,
		Authority: token.Authority(),
		Serial:    token.Info.SerialNumber.String(),
		GenTime:   token.Info.GenTime,
		SignerID:  tokenSigner.SID.String(),
	})

	binding, err := timestamps.VerifyImprint(si.Signature, token.Info)
	if err != nil {
		return err
	}
	kind := report.DigestMismatch
	if binding.Match {
		kind = report.DigestMatch
	}
	out.emit(report.Finding{
		Kind:      kind,
		Algorithm: digest.Name(binding.Algorithm),
		Computed:  binding.Computed,
		Recorded:  binding.Recorded,
	})

	resolved := cms.Resolve(token.Certificates(), tokenSigner.SID)
	out.emit(resolveFinding(tokenSigner.SID, resolved))
	if !resolved.Unique() {
		return nil
	}

	findings, err := certvalidator.ValidateTSACertificate(resolved.Certificate)
	for _, f := range findings {
		out.emit(f)
	}
	return err
}

func resolveFinding(sid cms.SignerIdentifier, res cms.ResolveResult) report.Finding {
	if res.Unique() {
		return report.Finding{
			Kind:     report.SignerIdentified,
			SignerID: sid.String(),
			Subject:  res.Certificate.Subject.String(),
		}
	}
	return report.Finding{
		Kind:       report.SignerAmbiguous,
		SignerID:   sid.String(),
		Candidates: res.Count,
	}
}

// placement stamps findings with where they were found.
type placement struct {
	sink   report.Sink
	signer int
	token  int
}

func (p placement) emit(f report.Finding) {
	f.SignerIndex = p.signer
	f.TokenIndex = p.token
	f.Scope = report.ScopeSigner
	if p.token >= 0 {
		f.Scope = report.ScopeTimestamp
	}
	p.sink.Emit(f)
}

func stageOf(err error) string {
	if stage, ok := cms.DecodeStage(err); ok {
		return string(stage)
	}
	if errors.Is(err, digest.ErrUnsupportedAlgorithm) {
		return "digest"
	}
	return "unknown"
}
