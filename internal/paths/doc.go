// Provides platform-appropriate paths for pyslim.
//
// Paths follow XDG conventions on Linux and platform-native conventions on
// macOS. The program name is used as the subdirectory under each base path.
package paths
