// Package lvbench builds and runs the LVGL benchmark on hardware targets
// and captures its output until the benchmark reports completion.
package lvbench

// Version is the lvbench release version.
const Version = "0.3.0"
