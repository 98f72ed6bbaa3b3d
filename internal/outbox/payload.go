package outbox

import (
	"github.com/anaemia-care/fieldsync/internal/local/schema"
)

// Payload shapes per route. CREATE carries a schema.Beneficiary (with its
// local_id); SCREENING, INTERVENTION and REFERRAL carry the sub-record with
// beneficiary_local_id set. Server ids are resolved at delivery time.

// UpdatePayload is the body of an UPDATE/beneficiaries entry.
type UpdatePayload struct {
	LocalID  int64                   `json:"local_id"`
	UniqueID string                  `json:"unique_id,omitempty"`
	Patch    schema.BeneficiaryPatch `json:"patch"`
}

// Route pairs an op with its entity.
type Route struct {
	Op     Op
	Entity Entity
}

// Routes lists every op/entity pair the sync engine can deliver.
var Routes = []Route{
	{OpCreate, EntityBeneficiaries},
	{OpUpdate, EntityBeneficiaries},
	{OpScreening, EntityScreenings},
	{OpIntervention, EntityInterventions},
	{OpReferral, EntityFollowUps},
}

// Known reports whether r is one of Routes.
func (r Route) Known() bool {
	for _, k := range Routes {
		if k == r {
			return true
		}
	}
	return false
}
