package validation

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/georgepadayatti/tstcheck/internal/testpki"
	"github.com/georgepadayatti/tstcheck/sign/cms"
	"github.com/georgepadayatti/tstcheck/sign/digest"
	"github.com/georgepadayatti/tstcheck/sign/validation/report"
)

var signedContent = []byte("Hello, timestamped world")

// signedWithTimestamps builds a signature by signer whose single
// signature-timestamp attribute carries one token per stamper.
func signedWithTimestamps(t *testing.T, signer *testpki.Identity, stampers ...*testpki.TimeStamper) []byte {
	t.Helper()
	signature := signer.MustSign(t, signedContent)

	var tokens [][]byte
	for _, ts := range stampers {
		tokens = append(tokens, ts.MustTimestamp(t, signature))
	}
	spec := testpki.SignerSpec{Signer: signer, Signature: signature}
	if len(tokens) > 0 {
		spec.Unsigned = []testpki.Attribute{testpki.TimestampAttribute(tokens...)}
	}
	return testpki.NewEnvelopeBuilder(signedContent).
		AddCertificate(signer.Cert).
		AddSigner(spec).
		MustBuild(t)
}

func analyze(t *testing.T, data []byte) (*report.MemorySink, error) {
	t.Helper()
	sink := report.NewMemorySink()
	err := NewAnalyzer().Analyze(data, sink)
	return sink, err
}

func kindsOf(findings []report.Finding) []report.Kind {
	kinds := make([]report.Kind, len(findings))
	for i, f := range findings {
		kinds[i] = f.Kind
	}
	return kinds
}

func errorKinds(findings []report.Finding) []report.Kind {
	var kinds []report.Kind
	for _, f := range findings {
		if f.Kind.IsError() {
			kinds = append(kinds, f.Kind)
		}
	}
	return kinds
}

func TestAnalyzeMatchingTimestamp(t *testing.T) {
	signer := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Signer"})
	tsa := testpki.MustTSAIdentity(t, "Test TSA", 10)
	ts := testpki.NewTimeStamper(tsa).WithSerial(77)
	ts.NameTSA = true

	sink, err := analyze(t, signedWithTimestamps(t, signer, ts))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	findings := sink.Findings()
	want := []report.Kind{
		report.SignerIdentified,
		report.TimestampSeen,
		report.DigestMatch,
		report.SignerIdentified,
	}
	if diff := cmp.Diff(want, kindsOf(findings)); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
	if sink.Count(report.DigestMatch) != 1 {
		t.Errorf("Expected exactly one digest match")
	}
	if kinds := errorKinds(findings); len(kinds) != 0 {
		t.Errorf("Expected no violations, got %v", kinds)
	}

	outer := findings[0]
	if outer.Scope != report.ScopeSigner || outer.TokenIndex != -1 || outer.Subject != "CN=Signer" {
		t.Errorf("outer signer finding = %+v", outer)
	}

	seen := findings[1]
	if seen.Scope != report.ScopeTimestamp || seen.TokenIndex != 0 {
		t.Errorf("timestamp finding placed at %s", seen.Location())
	}
	if seen.Authority != "CN=Test TSA,O=Test TSA" || seen.Serial != "77" || !seen.GenTime.Equal(ts.GenTime) {
		t.Errorf("timestamp finding = %+v", seen)
	}
	if seen.SignerID != "CN=Test TSA,O=Test TSA / 10" {
		t.Errorf("SignerID = %q", seen.SignerID)
	}

	match := findings[2]
	if match.Algorithm != "sha256" || !bytes.Equal(match.Computed, match.Recorded) {
		t.Errorf("digest finding = %+v", match)
	}
	if findings[3].Subject != "CN=Test TSA,O=Test TSA" {
		t.Errorf("TSA subject = %q", findings[3].Subject)
	}
}

func TestAnalyzeVersion1TSA(t *testing.T) {
	signer := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Signer"})
	tsa := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Legacy TSA", SerialNumber: 5, Version1: true})

	sink, err := analyze(t, signedWithTimestamps(t, signer, testpki.NewTimeStamper(tsa)))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if sink.Count(report.DigestMatch) != 1 {
		t.Error("Expected a digest match")
	}
	versionErrors := sink.OfKind(report.CertVersionError)
	if len(versionErrors) != 1 || versionErrors[0].Version != 1 {
		t.Fatalf("CertVersionError findings = %+v", versionErrors)
	}
	if versionErrors[0].Scope != report.ScopeTimestamp {
		t.Errorf("CertVersionError scope = %q", versionErrors[0].Scope)
	}
	want := []report.Kind{report.CertVersionError, report.MissingEKU}
	if diff := cmp.Diff(want, errorKinds(sink.Findings())); diff != "" {
		t.Errorf("violations mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeCorruptImprint(t *testing.T) {
	signer := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Signer"})
	tsa := testpki.MustTSAIdentity(t, "Test TSA", 10)

	sink, err := analyze(t, signedWithTimestamps(t, signer, testpki.NewTimeStamper(tsa).WithCorruptImprint()))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	mismatches := sink.OfKind(report.DigestMismatch)
	if len(mismatches) != 1 {
		t.Fatalf("Expected one mismatch, got %d", len(mismatches))
	}
	m := mismatches[0]
	if len(m.Computed) != 32 || len(m.Recorded) != 32 {
		t.Fatalf("digest lengths = %d/%d", len(m.Computed), len(m.Recorded))
	}
	if bytes.Equal(m.Computed, m.Recorded) {
		t.Error("Computed and recorded digests should differ")
	}
	if !bytes.Equal(m.Computed[:31], m.Recorded[:31]) || m.Computed[31]^m.Recorded[31] != 0xff {
		t.Errorf("Expected only the last byte flipped: %x vs %x", m.Computed, m.Recorded)
	}
	if sink.Count(report.DigestMatch) != 0 {
		t.Error("No digest match expected")
	}
	// The authority is still checked when the imprint disagrees.
	if sink.Count(report.SignerIdentified) != 2 {
		t.Errorf("Expected both signers identified")
	}
}

func TestAnalyzeTSAPolicyViolations(t *testing.T) {
	signer := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Signer"})
	tsa := testpki.MustIdentity(t, testpki.CertOptions{
		CommonName:     "Code Signer",
		SerialNumber:   3,
		Purposes:       []asn1.ObjectIdentifier{testpki.OIDTimeStamping, testpki.OIDCodeSigning},
		NonCriticalEKU: true,
	})

	sink, err := analyze(t, signedWithTimestamps(t, signer, testpki.NewTimeStamper(tsa)))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	want := []report.Kind{report.EKUNotCritical, report.EKUWrongPurpose}
	if diff := cmp.Diff(want, errorKinds(sink.Findings())); diff != "" {
		t.Errorf("violations mismatch (-want +got):\n%s", diff)
	}
	wrong := sink.OfKind(report.EKUWrongPurpose)[0]
	if diff := cmp.Diff([]string{"time-stamping", "code-signing"}, wrong.Purposes); diff != "" {
		t.Errorf("purposes mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeMultipleTokens(t *testing.T) {
	signer := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Signer"})
	tsa := testpki.MustTSAIdentity(t, "Test TSA", 10)

	data := signedWithTimestamps(t, signer,
		testpki.NewTimeStamper(tsa).WithSerial(1),
		testpki.NewTimeStamper(tsa).WithSerial(2).WithHash(digest.OIDSHA512),
	)
	sink, err := analyze(t, data)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	seen := sink.OfKind(report.TimestampSeen)
	if len(seen) != 2 {
		t.Fatalf("Expected 2 timestamps, got %d", len(seen))
	}
	for i, f := range seen {
		if f.TokenIndex != i {
			t.Errorf("timestamp %d has TokenIndex %d", i, f.TokenIndex)
		}
	}
	matches := sink.OfKind(report.DigestMatch)
	if len(matches) != 2 || matches[1].Algorithm != "sha512" {
		t.Errorf("digest matches = %+v", matches)
	}
}

func TestAnalyzeUnsupportedAlgorithm(t *testing.T) {
	signer := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Signer"})
	tsa := testpki.MustTSAIdentity(t, "Test TSA", 10)
	md5 := asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 5}

	data := signedWithTimestamps(t, signer,
		testpki.NewTimeStamper(tsa).WithHash(md5),
		testpki.NewTimeStamper(tsa),
	)
	sink, err := analyze(t, data)
	if err == nil {
		t.Fatal("Expected error for unsupported algorithm")
	}

	var tokenErr *TokenError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("Expected *TokenError, got %T", err)
	}
	if tokenErr.SignerIndex != 0 || tokenErr.TokenIndex != 0 {
		t.Errorf("TokenError at %d/%d", tokenErr.SignerIndex, tokenErr.TokenIndex)
	}
	if !errors.Is(err, digest.ErrUnsupportedAlgorithm) {
		t.Errorf("Expected ErrUnsupportedAlgorithm, got %v", err)
	}

	// The failing token is reported as seen; the next one is fully analyzed.
	want := []report.Kind{
		report.SignerIdentified,
		report.TimestampSeen,
		report.TimestampSeen,
		report.DigestMatch,
		report.SignerIdentified,
	}
	if diff := cmp.Diff(want, kindsOf(sink.Findings())); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeMalformedToken(t *testing.T) {
	signer := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Signer"})
	tsa := testpki.MustTSAIdentity(t, "Test TSA", 10)
	signature := signer.MustSign(t, signedContent)

	good := testpki.NewTimeStamper(tsa).MustTimestamp(t, signature)
	data := testpki.NewEnvelopeBuilder(signedContent).
		AddCertificate(signer.Cert).
		AddSigner(testpki.SignerSpec{
			Signer:    signer,
			Signature: signature,
			Unsigned:  []testpki.Attribute{testpki.TimestampAttribute(good, []byte{0x05, 0x00}, good)},
		}).
		AddSigner(testpki.SignerSpec{
			Signer:    signer,
			Signature: signature,
			Unsigned:  []testpki.Attribute{testpki.TimestampAttribute(good)},
		}).
		MustBuild(t)

	sink, err := analyze(t, data)
	var tokenErr *TokenError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("Expected *TokenError, got %v", err)
	}
	if tokenErr.SignerIndex != 0 || tokenErr.TokenIndex != 1 {
		t.Errorf("TokenError at %d/%d, want 0/1", tokenErr.SignerIndex, tokenErr.TokenIndex)
	}
	if stage, _ := cms.DecodeStage(err); stage != cms.StageTimestampToken {
		t.Errorf("Stage = %q", stage)
	}

	// Signer 0 stops at the malformed token; signer 1 is analyzed in full.
	var perSigner [2][]report.Kind
	for _, f := range sink.Findings() {
		perSigner[f.SignerIndex] = append(perSigner[f.SignerIndex], f.Kind)
	}
	want := []report.Kind{report.SignerIdentified, report.TimestampSeen, report.DigestMatch, report.SignerIdentified}
	for i := range perSigner {
		if diff := cmp.Diff(want, perSigner[i]); diff != "" {
			t.Errorf("signer %d kinds mismatch (-want +got):\n%s", i, diff)
		}
	}
}

// malformedEKU is an ExtendedKeyUsage holding an INTEGER where key
// purposes belong. crypto/x509 refuses certificates carrying it.
var malformedEKU = []byte{0x30, 0x03, 0x02, 0x01, 0x01}

func TestAnalyzeMalformedTSAExtension(t *testing.T) {
	signer := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Signer"})
	broken := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Broken TSA", SerialNumber: 4, RawEKU: malformedEKU})
	tsa := testpki.MustTSAIdentity(t, "Test TSA", 10)

	sink, err := analyze(t, signedWithTimestamps(t, signer,
		testpki.NewTimeStamper(broken),
		testpki.NewTimeStamper(tsa),
	))
	var tokenErr *TokenError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("Expected *TokenError, got %v", err)
	}
	if tokenErr.SignerIndex != 0 || tokenErr.TokenIndex != 0 {
		t.Errorf("TokenError at %d/%d, want 0/0", tokenErr.SignerIndex, tokenErr.TokenIndex)
	}
	if stage, _ := cms.DecodeStage(err); stage != cms.StageExtension {
		t.Errorf("Stage = %q, want %q", stage, cms.StageExtension)
	}

	// The binding and the signer of the broken token are still reported, and
	// the following token is analyzed in full.
	want := []report.Kind{
		report.SignerIdentified,
		report.TimestampSeen,
		report.DigestMatch,
		report.SignerIdentified,
		report.TimestampSeen,
		report.DigestMatch,
		report.SignerIdentified,
	}
	findings := sink.Findings()
	if diff := cmp.Diff(want, kindsOf(findings)); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
	if findings[3].Subject != "CN=Broken TSA" || findings[3].TokenIndex != 0 {
		t.Errorf("broken TSA finding = %+v", findings[3])
	}
	if findings[6].TokenIndex != 1 {
		t.Errorf("second token finding placed at %s", findings[6].Location())
	}
}

func TestAnalyzeUnrelatedMalformedCertificate(t *testing.T) {
	signer := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Signer"})
	broken := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Bystander", SerialNumber: 4, RawEKU: malformedEKU})
	tsa := testpki.MustTSAIdentity(t, "Test TSA", 10)
	signature := signer.MustSign(t, signedContent)

	data := testpki.NewEnvelopeBuilder(signedContent).
		AddCertificate(signer.Cert, broken.Cert).
		AddSigner(testpki.SignerSpec{
			Signer:    signer,
			Signature: signature,
			Unsigned:  []testpki.Attribute{testpki.TimestampAttribute(testpki.NewTimeStamper(tsa).MustTimestamp(t, signature))},
		}).
		MustBuild(t)

	sink, err := analyze(t, data)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	want := []report.Kind{report.SignerIdentified, report.TimestampSeen, report.DigestMatch, report.SignerIdentified}
	if diff := cmp.Diff(want, kindsOf(sink.Findings())); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeAmbiguousSigners(t *testing.T) {
	signer := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Signer", SerialNumber: 9})
	twin := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Signer", SerialNumber: 9})
	tsa := testpki.MustTSAIdentity(t, "Test TSA", 10)

	ts := testpki.NewTimeStamper(tsa)
	ts.OmitTSACert = true

	signature := signer.MustSign(t, signedContent)
	data := testpki.NewEnvelopeBuilder(signedContent).
		AddCertificate(signer.Cert, twin.Cert).
		AddSigner(testpki.SignerSpec{
			Signer:    signer,
			Signature: signature,
			Unsigned:  []testpki.Attribute{testpki.TimestampAttribute(ts.MustTimestamp(t, signature))},
		}).
		MustBuild(t)

	sink, err := analyze(t, data)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	ambiguous := sink.OfKind(report.SignerAmbiguous)
	if len(ambiguous) != 2 {
		t.Fatalf("Expected 2 ambiguous findings, got %d", len(ambiguous))
	}
	if ambiguous[0].Candidates != 2 || ambiguous[0].Scope != report.ScopeSigner {
		t.Errorf("outer ambiguity = %+v", ambiguous[0])
	}
	if ambiguous[1].Candidates != 0 || ambiguous[1].Scope != report.ScopeTimestamp {
		t.Errorf("token ambiguity = %+v", ambiguous[1])
	}
	// No certificate, no policy check.
	if kinds := errorKinds(sink.Findings()); len(kinds) != 0 {
		t.Errorf("Expected no violations, got %v", kinds)
	}
}

func TestAnalyzeSubjectKeyIdentifier(t *testing.T) {
	signer := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Signer", SubjectKeyID: []byte{0xde, 0xad}})
	data := testpki.NewEnvelopeBuilder(signedContent).
		AddCertificate(signer.Cert).
		AddSigner(testpki.SignerSpec{Signer: signer, UseSKI: true}).
		MustBuild(t)

	sink, err := analyze(t, data)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	identified := sink.OfKind(report.SignerIdentified)
	if len(identified) != 1 || identified[0].SignerID != "ski:dead" {
		t.Errorf("identified = %+v", identified)
	}
}

func TestAnalyzeUnrecognizedAttributes(t *testing.T) {
	signer := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Signer"})
	tsa := testpki.MustTSAIdentity(t, "Test TSA", 10)
	signature := signer.MustSign(t, signedContent)

	data := testpki.NewEnvelopeBuilder(signedContent).
		AddCertificate(signer.Cert).
		AddSigner(testpki.SignerSpec{
			Signer:    signer,
			Signature: signature,
			Unsigned: []testpki.Attribute{
				{Type: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 6}, Values: [][]byte{{0x05, 0x00}}},
				testpki.TimestampAttribute(testpki.NewTimeStamper(tsa).MustTimestamp(t, signature)),
				{Type: asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 4, 1}, Values: [][]byte{{0x05, 0x00}}},
			},
		}).
		MustBuild(t)

	sink, err := analyze(t, data)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	seen := sink.OfKind(report.AttributeSeen)
	var types []string
	for _, f := range seen {
		types = append(types, f.AttributeType)
	}
	if diff := cmp.Diff([]string{"1.2.840.113549.1.9.6", "1.3.6.1.4.1.311.2.4.1"}, types); diff != "" {
		t.Errorf("attribute types mismatch (-want +got):\n%s", diff)
	}
	// Unrecognized attributes are reported before any timestamp.
	if kinds := kindsOf(sink.Findings()); kinds[1] != report.AttributeSeen || kinds[2] != report.AttributeSeen {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestAnalyzeNoTimestamps(t *testing.T) {
	signer := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Signer"})
	sink, err := analyze(t, signedWithTimestamps(t, signer))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if diff := cmp.Diff([]report.Kind{report.SignerIdentified}, kindsOf(sink.Findings())); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeEnvelopeError(t *testing.T) {
	sink, err := analyze(t, []byte{0x30, 0x03, 0x02, 0x01, 0x01})
	if err == nil {
		t.Fatal("Expected error")
	}
	var decodeErr *cms.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Errorf("Expected *cms.DecodeError, got %T", err)
	}
	var tokenErr *TokenError
	if errors.As(err, &tokenErr) {
		t.Error("Envelope failures are not token errors")
	}
	if len(sink.Findings()) != 0 {
		t.Errorf("Expected no findings, got %d", len(sink.Findings()))
	}
}

func TestAnalyzerLogging(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	analyzer := NewAnalyzer(WithLogger(logrus.NewEntry(logger)))
	if err := analyzer.Analyze([]byte{0x01}, report.NewMemorySink()); err == nil {
		t.Fatal("Expected error")
	}

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("Expected a log entry")
	}
	if entry.Level != logrus.DebugLevel || entry.Data["stage"] != string(cms.StageEnvelope) {
		t.Errorf("entry = %v %v", entry.Level, entry.Data)
	}
}

func TestTokenError(t *testing.T) {
	inner := errors.New("boom")
	err := &TokenError{SignerIndex: 1, TokenIndex: 2, Err: inner}
	if err.Error() != "signer 1, timestamp 2: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("TokenError should unwrap")
	}
}
