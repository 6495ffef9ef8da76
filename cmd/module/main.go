package main

import (
	"thrusterbench"

	"go.viam.com/rdk/components/powersensor"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{generic.API, thrusterbench.Controller},
		resource.APIModel{sensor.API, thrusterbench.RPMSensor},
		resource.APIModel{sensor.API, thrusterbench.ForceSensor},
		resource.APIModel{powersensor.API, thrusterbench.PowerMeter},
		resource.APIModel{sensor.API, thrusterbench.RunStateSensor},
	)
}
