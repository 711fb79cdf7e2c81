package types

// PDU type constants
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// Implementation identification sent in A-ASSOCIATE-AC and written to the
// File Meta Information of stored objects.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.10.1207.1"
	ImplementationVersionName = "DICOMSCP_1.0"
)

// DefaultMaxPDULength is advertised to peers and used when a peer
// proposes no limit.
const DefaultMaxPDULength = 16384

// AssociationInfo identifies an accepted association to the services
// running on it.
type AssociationInfo struct {
	ID             string
	CalledAETitle  string
	CallingAETitle string
	RemoteAddr     string
	RemoteHost     string
	LocalPort      int
}
