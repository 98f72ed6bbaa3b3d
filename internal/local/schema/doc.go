// Package schema defines the records kept on the device for the anaemia program.
//
// # Overview
//
// A beneficiary is registered on the device first, possibly with no network.
// The local store assigns LocalID immediately; ServerID stays nil until the
// backing API acknowledges the CREATE that produced it. Clinical sub-records
// (screenings, interventions, follow-ups) hang off the beneficiary by LocalID
// and are resolved to the server id when the outbox drains.
//
// # Identifiers
//
//   - LocalID   - INTEGER PRIMARY KEY of the local beneficiaries table
//   - ServerID  - id assigned by the backing API, nil while pending
//   - TempID    - "tmp-<uuid>", shown to the worker while the record is pending
//   - UniqueID  - hex SHA-256 of national id + creation time; idempotency key
//   - ShortID   - 8 character code derived from UniqueID, read out over the phone
//
// Example:
//
//	b := &schema.Beneficiary{Name: "Asha", Phone: "9990001111"}
//	b.SetDefaults("1234-5678-9012", time.Now())
//	if err := b.Validate(); err != nil {
//	    return err
//	}
//
// # Immutability
//
// Sub-records are append-only. Corrections are new records, so none of the
// sub-record types have an update path.
package schema
