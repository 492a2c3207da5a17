package observability

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by kernel spans and metrics.
const (
	AttrPrincipal  = attribute.Key("ecology.principal_id")
	AttrActionType = attribute.Key("ecology.action_type")
	AttrArtifact   = attribute.Key("ecology.artifact_id")
	AttrErrorCode  = attribute.Key("ecology.error_code")
	AttrSuccess    = attribute.Key("ecology.success")
	AttrMintKind   = attribute.Key("ecology.mint_kind")
)
