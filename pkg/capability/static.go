package capability

// Static is a fixed [Capabilities] description assembled at startup from the
// configured backends. Server deployments have no runtime platform to probe,
// so support is whatever the operator wired up.
type Static struct {
	RecognitionSupport RecognitionSupport
	SynthesisSupport   SynthesisSupport
	MediaSupport       MediaSupport
	Secure             bool
	PlatformCaveats    []string
}

var _ Capabilities = (*Static)(nil)

func (s *Static) Recognition() RecognitionSupport { return s.RecognitionSupport }

func (s *Static) Synthesis() SynthesisSupport { return s.SynthesisSupport }

func (s *Static) Media() MediaSupport { return s.MediaSupport }

func (s *Static) SecureContext() bool { return s.Secure }

func (s *Static) Caveats() []string { return s.PlatformCaveats }
