package weightcache

// Domain tags what a model is tuned for. It drives the prefault policy
// (weight_cache.prefault in SPEC_FULL.md §6) and is carried on the
// resulting ResidentView for the registry/coordinator to report.
type Domain string

const (
	DomainCode      Domain = "Code"
	DomainChat      Domain = "Chat"
	DomainReasoning Domain = "Reasoning"
	DomainVision    Domain = "Vision"
	DomainGeneral   Domain = "General"
)

// PrefaultPolicy maps a Domain to whether WeightCache.Open should touch
// the first page of every tensor right after mmap.
type PrefaultPolicy map[Domain]bool

// DefaultPrefaultPolicy matches spec.md §6:
// weight_cache.prefault default {Code:true, Chat:true, else:false}.
func DefaultPrefaultPolicy() PrefaultPolicy {
	return PrefaultPolicy{
		DomainCode: true,
		DomainChat: true,
	}
}

func (p PrefaultPolicy) shouldPrefault(d Domain) bool {
	return p[d]
}
