package loginflow

import "math/rand"

var givenNames = []string{
	"Alex", "Jordan", "Taylor", "Morgan", "Casey", "Riley", "Quinn",
	"Avery", "Hayden", "Parker", "Rowan", "Sage", "Emerson", "Finley",
	"Harper", "Logan", "Mason", "Nolan", "Owen", "Reese",
}

var familyNames = []string{
	"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller",
	"Davis", "Martinez", "Lopez", "Wilson", "Anderson", "Thomas", "Moore",
	"Taylor", "Jackson", "White", "Harris", "Clark", "Lewis",
}

// randomDisplayName returns a human-looking name for the registration
// display-name step.
func randomDisplayName() string {
	return givenNames[rand.Intn(len(givenNames))] + " " + familyNames[rand.Intn(len(familyNames))]
}
