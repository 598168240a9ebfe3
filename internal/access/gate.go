// Package access decides whether a user may play a piece of content.
//
// The decision is a pure function over ownership, free/preview flags and
// subscription state. Precedence is fixed: ownership beats preview, preview
// beats the subscription gate, and everything left over requires a purchase.
package access

// Kind is the outcome of an access decision.
type Kind string

const (
	KindAllowed           Kind = "allowed"
	KindNeedsSubscription Kind = "needs_subscription"
	KindNeedsPurchase     Kind = "needs_purchase"
)

// Reason explains which rule produced the outcome.
type Reason string

const (
	ReasonOwned                Reason = "owned"
	ReasonPreviewSample        Reason = "preview_sample"
	ReasonFreeWithSubscription Reason = "free_with_subscription"
	ReasonSubscriptionRequired Reason = "subscription_required"
	ReasonPurchaseRequired     Reason = "purchase_required"
)

// Input carries the flags an access decision depends on.
//
// SubscriptionAvailable reports whether the store/IAP backend is reachable.
// It is accepted here so callers can pass their full flag set, but it never
// changes the decision; it exists for CTA copy selection in the caller.
type Input struct {
	Owned                 bool
	Free                  bool
	SubscriptionActive    bool
	PreviewContent        bool
	SubscriptionAvailable bool
}

// Result is an access decision. Exactly one Kind holds, and Preview is true
// only when access was granted via the preview rule rather than ownership.
type Result struct {
	Kind    Kind
	Preview bool
	Reason  Reason
}

// CanAccess reports whether playback is allowed.
func (r Result) CanAccess() bool { return r.Kind == KindAllowed }

// NeedsSubscription reports whether an active subscription would unlock the content.
func (r Result) NeedsSubscription() bool { return r.Kind == KindNeedsSubscription }

// NeedsPurchase reports whether only a purchase unlocks the content.
func (r Result) NeedsPurchase() bool { return r.Kind == KindNeedsPurchase }

// Check evaluates the access rules in strict precedence order. It is total,
// deterministic and side-effect free.
func Check(in Input) Result {
	// Ownership overrides every other flag, including preview.
	if in.Owned {
		return Result{Kind: KindAllowed, Reason: ReasonOwned}
	}

	// Preview samples are playable regardless of subscription state.
	if in.PreviewContent {
		return Result{Kind: KindAllowed, Preview: true, Reason: ReasonPreviewSample}
	}

	// Free catalog items sit behind the subscription gate. Store
	// reachability (SubscriptionAvailable) does not bypass the lock.
	if in.Free {
		if in.SubscriptionActive {
			return Result{Kind: KindAllowed, Reason: ReasonFreeWithSubscription}
		}
		return Result{Kind: KindNeedsSubscription, Reason: ReasonSubscriptionRequired}
	}

	// Paid item, not owned, not preview. A subscription never unlocks it.
	return Result{Kind: KindNeedsPurchase, Reason: ReasonPurchaseRequired}
}
