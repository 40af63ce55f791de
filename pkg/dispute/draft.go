package dispute

import (
	"errors"
	"strings"
)

// ErrStepOrder is returned when a wizard step is filled before the one it depends on.
var ErrStepOrder = errors.New("previous step is not complete")

// Step identifies a dispute wizard step.
type Step int

const (
	StepShipment Step = iota + 1
	StepUnit
	StepType
	StepDescription
	StepPhotos
	StepReview
)

// Draft is the client-side dispute creation wizard: shipment → unit → type
// → description → photos. Each step requires the previous one, and changing
// an earlier choice clears everything after it.
type Draft struct {
	ShipmentID  string
	UnitID      string
	Type        Type
	Description string
	PhotoIDs    []string
}

// SelectShipment sets the shipment and clears every later step.
func (d *Draft) SelectShipment(id string) {
	if id != d.ShipmentID {
		*d = Draft{ShipmentID: id}
	}
}

// SelectUnit sets the unit. It requires a shipment.
func (d *Draft) SelectUnit(id string) error {
	if d.ShipmentID == "" {
		return ErrStepOrder
	}
	if id != d.UnitID {
		d.UnitID = id
		d.Type, d.Description, d.PhotoIDs = "", "", nil
	}
	return nil
}

// SelectType sets the dispute type. It requires a unit.
func (d *Draft) SelectType(t Type) error {
	if d.UnitID == "" {
		return ErrStepOrder
	}
	if _, ok := ParseType(string(t)); !ok {
		return errors.New("unknown dispute type")
	}
	d.Type = t
	return nil
}

// Describe sets the description. It requires a type.
func (d *Draft) Describe(text string) error {
	if d.Type == "" {
		return ErrStepOrder
	}
	d.Description = text
	return nil
}

// AddPhoto attaches an uploaded photo. It requires a description.
func (d *Draft) AddPhoto(id string) error {
	if strings.TrimSpace(d.Description) == "" {
		return ErrStepOrder
	}
	d.PhotoIDs = append(d.PhotoIDs, id)
	return nil
}

// RemovePhoto detaches a photo.
func (d *Draft) RemovePhoto(id string) {
	out := d.PhotoIDs[:0]
	for _, p := range d.PhotoIDs {
		if p != id {
			out = append(out, p)
		}
	}
	d.PhotoIDs = out
}

// Current returns the first step that still needs input.
func (d *Draft) Current() Step {
	switch {
	case d.ShipmentID == "":
		return StepShipment
	case d.UnitID == "":
		return StepUnit
	case d.Type == "":
		return StepType
	case strings.TrimSpace(d.Description) == "":
		return StepDescription
	case len(d.PhotoIDs) == 0:
		return StepPhotos
	default:
		return StepReview
	}
}

// CanSubmit reports whether every step is complete.
func (d *Draft) CanSubmit() bool {
	return d.Current() == StepReview
}

// Request converts a complete draft into a CreateRequest.
func (d *Draft) Request() (CreateRequest, error) {
	if !d.CanSubmit() {
		return CreateRequest{}, ErrStepOrder
	}
	return CreateRequest{
		UnitID:      d.UnitID,
		Type:        d.Type,
		Description: strings.TrimSpace(d.Description),
		PhotoIDs:    append([]string(nil), d.PhotoIDs...),
	}, nil
}
