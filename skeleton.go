package orb

// ServerObject is the trait IDL-generated skeletons implement: one
// required dispatch operation, a Locator accessor, and a Terminate
// hook. There is no init hook; an object is ready for dispatch as soon
// as it is registered. The IDL code generator itself is out of scope
// (spec.md §1); this interface is the seam generated skeletons plug
// into.
type ServerObject interface {
	// Locator returns the ObjectLocator this object is (or will be)
	// registered under.
	Locator() ObjectLocator

	// Dispatch marshals the named method's result from cmd, which
	// holds the marshalled parameters. A non-nil error is serialized
	// into the reply with the failure status bit set (spec.md §7).
	Dispatch(method string, cmd []byte) ([]byte, error)

	// Terminate is called once, after Deregister's drain completes.
	Terminate()
}

// pingObject is the built-in diagnostic object InitServer registers
// under a well-known ObjectId (SPEC_FULL.md supplemented feature #4,
// grounded on TestOrb2_ServerImpl.cpp's smoke-test object): it backs
// the nil-call smoke scenario from spec.md §8 with no application
// object required. Ping echoes its 4-byte little-endian argument back
// unchanged.
type pingObject struct {
	locator ObjectLocator
}

// PingInterfaceName / PingInstanceName identify the built-in Ping
// object's ObjectId so a client proxy can address it without a naming
// service round trip.
const (
	PingInterfaceName = "orb/Ping"
	PingInstanceName  = "orb/Ping/well-known"
	PingMethod        = "Ping"
)

// PingObjectId is the well-known, pre-hashed id of the built-in Ping
// object every server facility registers.
var PingObjectId = NewObjectId(PingInterfaceName, PingInstanceName)

func newPingObject(host string, port int) *pingObject {
	return &pingObject{locator: NewObjectLocator(PingObjectId, host, port, "orb")}
}

func (p *pingObject) Locator() ObjectLocator { return p.locator }

func (p *pingObject) Dispatch(method string, cmd []byte) ([]byte, error) {
	if method != PingMethod {
		return nil, newErr(KindNotFound, "ping object has no method "+method)
	}
	out := make([]byte, len(cmd))
	copy(out, cmd)
	return out, nil
}

func (p *pingObject) Terminate() {}
