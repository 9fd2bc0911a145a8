// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package std provides common local-bus message types and registers them
// under robotics-middleware style names.
package std

import (
	"time"

	"github.com/absmach/mqttbridge/message"
)

// String carries a single text value.
type String struct {
	Data string `json:"data"`
}

// Bool carries a single boolean value.
type Bool struct {
	Data bool `json:"data"`
}

// Int32 carries a single 32-bit integer.
type Int32 struct {
	Data int32 `json:"data"`
}

// Int64 carries a single 64-bit integer.
type Int64 struct {
	Data int64 `json:"data"`
}

// Float64 carries a single floating point value.
type Float64 struct {
	Data float64 `json:"data"`
}

// Header is the common stamped header.
type Header struct {
	Seq     uint32    `json:"seq"`
	Stamp   time.Time `json:"stamp"`
	FrameID string    `json:"frame_id"`
}

// Vector3 is a direction in free space.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Point is a position in free space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Twist expresses velocity as linear and angular parts.
type Twist struct {
	Linear  Vector3 `json:"linear"`
	Angular Vector3 `json:"angular"`
}

// Joy reports joystick axes and buttons.
type Joy struct {
	Header  Header    `json:"header"`
	Axes    []float32 `json:"axes"`
	Buttons []int32   `json:"buttons"`
}

// Register adds every type in this package to r.
func Register(r *message.Registry) error {
	types := map[string]message.Constructor{
		"std_msgs/String":       func() any { return &String{} },
		"std_msgs/Bool":         func() any { return &Bool{} },
		"std_msgs/Int32":        func() any { return &Int32{} },
		"std_msgs/Int64":        func() any { return &Int64{} },
		"std_msgs/Float64":      func() any { return &Float64{} },
		"std_msgs/Header":       func() any { return &Header{} },
		"geometry_msgs/Vector3": func() any { return &Vector3{} },
		"geometry_msgs/Point":   func() any { return &Point{} },
		"geometry_msgs/Twist":   func() any { return &Twist{} },
		"sensor_msgs/Joy":       func() any { return &Joy{} },
	}
	for name, c := range types {
		if err := r.Register(name, c); err != nil {
			return err
		}
	}
	return nil
}
