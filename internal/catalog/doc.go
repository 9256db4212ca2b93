// Package catalog holds the operator-supplied list of Zigbee devices and
// groups and the state slots each one exposes.
//
// The catalog is read-only to the bridge. It is loaded from YAML:
//
//	groups:
//	  - id: living_room
//	    slots:
//	      - {id: state, write: true, type: string}
//	devices:
//	  - id: "0x00124b0001"
//	    name: Kitchen switch
//	    slots:
//	      - {id: action, prop: action, type: string}
//	      - {id: contact, event: true, type: boolean}
//	      - {id: brightness, write: true, transform: 254_to_percent}
//	      - id: lux
//	        prop: illuminance
//	        transform:
//	          lua: "return math.floor(value / 10)"
//
// Resolve prefers a group over a device with the same ID.
package catalog
